package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/users"
)

const (
	defaultMaxUploadBytes = 100 << 20

	// multipartSlack covers the framing around the file part when the
	// request body is checked against the upload ceiling.
	multipartSlack = 10 << 10
)

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAuthToken(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("provider token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.accounts.Resolve(c.Request.Context(), users.Identity{
		Provider:    claims.Provider,
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	})
	if err != nil {
		h.respondFault(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type profileResponsePayload struct {
	*users.User
	RemainingExports int `json:"remaining_exports"`
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	user, err := h.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		User:             user,
		RemainingExports: h.accounts.RemainingExports(user),
	})
}

type otpRequestPayload struct {
	Phone string `json:"phone"`
}

func (h *httpHandler) handleOTPRequest(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_unavailable"})
		return
	}
	var request otpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	if _, err := h.notifications.RequestOTP(c.Request.Context(), userID, request.Phone); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

type otpVerifyPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleOTPVerify(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_unavailable"})
		return
	}
	var request otpVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	number, err := h.notifications.VerifyOTP(c.Request.Context(), userID, request.Code)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if err := h.accounts.AttachWhatsApp(c.Request.Context(), userID, number); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified", "whatsapp_number": number})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	// Oversized bodies are rejected before any multipart buffering; the
	// declared length is checked up front and the reader is capped for
	// clients that lie about it.
	limit := h.maxUploadBytes + multipartSlack
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_too_large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	opened, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer opened.Close()
	payload, err := io.ReadAll(opened)
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.fileService.Upload(c.Request.Context(), userID, fileHeader.Filename, payload)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	records, err := h.fileService.List(c.Request.Context(), userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": records})
}

type fileResponsePayload struct {
	*files.Record
	Annotations  []annotations.Annotation `json:"annotations"`
	OriginalURL  string                   `json:"original_url,omitempty"`
	ProcessedURL string                   `json:"processed_url,omitempty"`
}

func (h *httpHandler) handleGetFile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	list, err := record.Annotations()
	if err != nil {
		h.respondFault(c, err)
		return
	}
	original, processed := h.signedLinks(c, record)
	c.JSON(http.StatusOK, fileResponsePayload{
		Record:       record,
		Annotations:  list,
		OriginalURL:  original,
		ProcessedURL: processed,
	})
}

// signedLinks issues download URLs for the record's objects. Links are
// signed on every read; nothing presigned is ever persisted.
func (h *httpHandler) signedLinks(c *gin.Context, record *files.Record) (string, string) {
	if h.signer == nil {
		return "", ""
	}
	original, err := h.signer.PresignRaw(c.Request.Context(), record.RawKey)
	if err != nil {
		h.logger.Warn("raw link signing failed", zap.String("file_id", record.ID), zap.Error(err))
	}
	var processed string
	if record.DerivedKey != nil {
		processed, err = h.signer.PresignDerived(c.Request.Context(), *record.DerivedKey)
		if err != nil {
			h.logger.Warn("derived link signing failed", zap.String("file_id", record.ID), zap.Error(err))
		}
	}
	return original, processed
}

func (h *httpHandler) handleDeleteFile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.fileService.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondFault(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type annotationRequestPayload struct {
	Content   string               `json:"content"`
	Position  annotations.Position `json:"position"`
	Style     annotations.Style    `json:"style"`
	Timestamp float64              `json:"timestamp"`
	Duration  float64              `json:"duration"`
	Page      int                  `json:"page"`
}

type annotationResponsePayload struct {
	Annotation  annotations.Annotation   `json:"annotation"`
	Annotations []annotations.Annotation `json:"annotations"`
}

// sessionStore opens a short-lived annotation store seeded from the record.
// Writes persist the full list; last writer wins across sessions.
func (h *httpHandler) sessionStore(record *files.Record) (*annotations.Store, error) {
	list, err := record.Annotations()
	if err != nil {
		return nil, err
	}
	return annotations.NewStore(annotations.StoreConfig{
		FileID:     record.ID,
		Kind:       record.Kind,
		Initial:    list,
		Persister:  h.fileService,
		IDProvider: h.annotationIDs,
		Logger:     h.logger,
	})
}

func (h *httpHandler) handleAddAnnotation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}

	var request annotationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	store, err := h.sessionStore(record)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	annotation, err := store.Add(c.Request.Context(), annotations.Draft{
		Content:   request.Content,
		Position:  request.Position,
		Style:     request.Style,
		Timestamp: request.Timestamp,
		Duration:  request.Duration,
		Page:      request.Page,
	})
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusCreated, annotationResponsePayload{
		Annotation:  annotation,
		Annotations: store.Snapshot(),
	})
}

func (h *httpHandler) handleRemoveAnnotation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	store, err := h.sessionStore(record)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if err := store.Remove(c.Request.Context(), c.Param("annotationID")); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotations": store.Snapshot()})
}

func (h *httpHandler) handlePreview(c *gin.Context) {
	if h.downloader == nil || h.previews == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previews_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if record.Kind != annotations.MediaDocument {
		c.JSON(http.StatusBadRequest, gin.H{"error": "preview_documents_only"})
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	scale, err := strconv.ParseFloat(c.DefaultQuery("scale", "0"), 64)
	if err != nil || scale < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scale"})
		return
	}

	source, err := h.downloader.DownloadRaw(c.Request.Context(), record.RawKey)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	list, err := record.Annotations()
	if err != nil {
		h.respondFault(c, err)
		return
	}
	rendered, err := h.previews.RenderPreview(c.Request.Context(), source, list, page, scale)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", rendered)
}

func (h *httpHandler) handleStartExport(c *gin.Context) {
	if h.exports == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "exports_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if err := h.accounts.CheckExportAllowed(c.Request.Context(), userID); err != nil {
		h.respondFault(c, err)
		return
	}

	taskType := queue.ExportVideoTask
	if record.Kind == annotations.MediaDocument {
		taskType = queue.ExportDocumentTask
	}
	if err := h.exports.Enqueue(c.Request.Context(), taskType, queue.ExportPayload{
		FileID: record.ID,
		UserID: userID,
	}); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) handleExportStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	response := gin.H{
		"status":   record.Status,
		"progress": record.Progress,
	}
	if record.DerivedKey != nil && h.signer != nil {
		processed, signErr := h.signer.PresignDerived(c.Request.Context(), *record.DerivedKey)
		if signErr != nil {
			h.logger.Warn("derived link signing failed", zap.String("file_id", record.ID), zap.Error(signErr))
		} else {
			response["processed_url"] = processed
		}
	}
	if record.ErrorMessage != "" {
		response["error_message"] = record.ErrorMessage
	}
	c.JSON(http.StatusOK, response)
}

// handleExportEvents streams export progress as server-sent events. The
// stream closes after a terminal event or when the client goes away.
func (h *httpHandler) handleExportEvents(c *gin.Context) {
	if h.progress == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "events_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)
	record, err := h.fileService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondFault(c, err)
		return
	}

	stream, cancel := h.progress.Subscribe(c.Request.Context(), record.ID)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"progress":  message.Percent,
				"timestamp": message.Timestamp,
			})
			c.Writer.Flush()
			if message.EventType != export.ProgressEventUpdate {
				return
			}
		}
	}
}

func (h *httpHandler) handleCreateIntent(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payments_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)
	intentID, clientSecret, err := h.payments.CreateIntent(c.Request.Context(), userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent_id":     intentID,
		"client_secret": clientSecret,
	})
}

type confirmPaymentPayload struct {
	IntentID string `json:"intent_id"`
}

func (h *httpHandler) handleConfirmPayment(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payments_unavailable"})
		return
	}
	var request confirmPaymentPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IntentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	payment, err := h.payments.Confirm(c.Request.Context(), userID, request.IntentID)
	if err != nil {
		h.respondFault(c, err)
		return
	}

	h.sendUpgradeNotifications(c, userID, payment.IntentID, payment.AmountCents)
	c.JSON(http.StatusOK, gin.H{"status": "premium", "payment": payment})
}

func (h *httpHandler) sendUpgradeNotifications(c *gin.Context, userID, reference string, amountCents int64) {
	if h.notifications == nil {
		return
	}
	user, err := h.accounts.Get(c.Request.Context(), userID)
	if err != nil || user.WhatsAppNumber == "" {
		return
	}
	amount := "$" + strconv.FormatFloat(float64(amountCents)/100, 'f', 2, 64)
	if err := h.notifications.Notify(user.WhatsAppNumber, notify.TemplatePaymentReceived, map[string]string{
		"amount":    amount,
		"reference": reference,
	}); err != nil {
		h.logger.Warn("payment notification failed", zap.Error(err))
	}
	if err := h.notifications.Notify(user.WhatsAppNumber, notify.TemplateUpgradeSuccess, map[string]string{
		"name": user.DisplayName,
	}); err != nil {
		h.logger.Warn("upgrade notification failed", zap.Error(err))
	}
}
