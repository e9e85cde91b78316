// Package server exposes the HTTP surface: auth, file management,
// annotation editing, previews, export control and payments.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/auth"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/faults"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/payments"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/users"
)

const userIDContextKey = "overmark_user_id"

var (
	errMissingVerifier       = errors.New("identity verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingFileService    = errors.New("file service dependency required")
	errMissingAccountService = errors.New("account service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// IdentityVerifier checks provider ID tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.ProviderClaims, error)
}

// BackendTokenManager issues and validates backend JWTs.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// FileService is the file-management surface the handlers drive.
type FileService interface {
	Upload(ctx context.Context, userID, filename string, payload []byte) (*files.Record, error)
	Get(ctx context.Context, userID, fileID string) (*files.Record, error)
	List(ctx context.Context, userID string) ([]files.Record, error)
	Delete(ctx context.Context, userID, fileID string) error
	SaveAnnotations(ctx context.Context, fileID string, list []annotations.Annotation) error
}

// AccountService resolves identities and tracks quota and premium state.
type AccountService interface {
	Resolve(ctx context.Context, identity users.Identity) (*users.User, error)
	Get(ctx context.Context, userID string) (*users.User, error)
	CheckExportAllowed(ctx context.Context, userID string) error
	RemainingExports(user *users.User) int
	AttachWhatsApp(ctx context.Context, userID, number string) error
}

// PaymentService opens and settles premium upgrade charges.
type PaymentService interface {
	CreateIntent(ctx context.Context, userID string) (intentID, clientSecret string, err error)
	Confirm(ctx context.Context, userID, intentID string) (*payments.Payment, error)
}

// NotifyService runs the OTP flow and sends WhatsApp messages.
type NotifyService interface {
	RequestOTP(ctx context.Context, userID, number string) (*notify.WhatsAppSession, error)
	VerifyOTP(ctx context.Context, userID, code string) (string, error)
	Notify(number string, template notify.Template, data map[string]string) error
}

// ObjectDownloader fetches original bytes for previews.
type ObjectDownloader interface {
	DownloadRaw(ctx context.Context, key string) ([]byte, error)
}

// URLSigner issues short-lived download links. Records persist object keys
// only; links are signed fresh on every read.
type URLSigner interface {
	PresignRaw(ctx context.Context, key string) (string, error)
	PresignDerived(ctx context.Context, key string) (string, error)
}

// PreviewRenderer rasterizes one annotated document page.
type PreviewRenderer interface {
	RenderPreview(ctx context.Context, data []byte, list []annotations.Annotation, page int, scale float64) ([]byte, error)
}

// ExportEnqueuer schedules export jobs.
type ExportEnqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload queue.ExportPayload) error
}

// AnnotationIDProvider issues annotation identifiers.
type AnnotationIDProvider interface {
	NewID() (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Verifier      IdentityVerifier
	TokenManager  BackendTokenManager
	FileService   FileService
	Accounts      AccountService
	Payments      PaymentService
	Notifications NotifyService
	Downloader    ObjectDownloader
	Signer        URLSigner
	Previews      PreviewRenderer
	Exports       ExportEnqueuer
	Progress      *export.ProgressDispatcher
	AnnotationIDs AnnotationIDProvider

	// MaxUploadBytes bounds request bodies on the upload route before
	// any buffering happens. Zero falls back to defaultMaxUploadBytes.
	MaxUploadBytes int64

	Logger *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.FileService == nil {
		return nil, errMissingFileService
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:       deps.Verifier,
		tokens:         deps.TokenManager,
		fileService:    deps.FileService,
		accounts:       deps.Accounts,
		payments:       deps.Payments,
		notifications:  deps.Notifications,
		downloader:     deps.Downloader,
		signer:         deps.Signer,
		previews:       deps.Previews,
		exports:        deps.Exports,
		progress:       deps.Progress,
		annotationIDs:  deps.AnnotationIDs,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}

	router.POST("/auth/token", handler.handleAuthToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/otp/request", handler.handleOTPRequest)
	protected.POST("/auth/otp/verify", handler.handleOTPVerify)
	protected.GET("/profile", handler.handleProfile)
	protected.POST("/files", handler.handleUpload)
	protected.GET("/files", handler.handleListFiles)
	protected.GET("/files/:id", handler.handleGetFile)
	protected.DELETE("/files/:id", handler.handleDeleteFile)
	protected.POST("/files/:id/annotations", handler.handleAddAnnotation)
	protected.DELETE("/files/:id/annotations/:annotationID", handler.handleRemoveAnnotation)
	protected.GET("/files/:id/preview", handler.handlePreview)
	protected.POST("/files/:id/export", handler.handleStartExport)
	protected.GET("/files/:id/export", handler.handleExportStatus)
	protected.GET("/files/:id/events", handler.handleExportEvents)
	protected.POST("/payments/intent", handler.handleCreateIntent)
	protected.POST("/payments/confirm", handler.handleConfirmPayment)

	return router, nil
}

type httpHandler struct {
	verifier       IdentityVerifier
	tokens         BackendTokenManager
	fileService    FileService
	accounts       AccountService
	payments       PaymentService
	notifications  NotifyService
	downloader     ObjectDownloader
	signer         URLSigner
	previews       PreviewRenderer
	exports        ExportEnqueuer
	progress       *export.ProgressDispatcher
	annotationIDs  AnnotationIDProvider
	maxUploadBytes int64
	logger         *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; only unexpected validation errors warn.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// respondFault maps fault kinds onto HTTP statuses. Sync failures answer
// 500 with a stable code so clients can surface the diverged-session state.
func (h *httpHandler) respondFault(c *gin.Context, err error) {
	code := faults.CodeOf(err)
	switch faults.KindOf(err) {
	case faults.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	case faults.KindQuota:
		c.JSON(http.StatusPaymentRequired, gin.H{"error": code})
	case faults.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case faults.KindSync:
		h.logger.Error("annotation sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
	default:
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
