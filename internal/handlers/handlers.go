package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/classifier"
	"github.com/example/lesion-classifier/internal/logging"
	"github.com/example/lesion-classifier/internal/web"
)

// MaxUploadSize is the default cap on the uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of
// the image itself.
const multipartOverhead = 64 << 10

// Classifier is the part of classifier.Classifier the routes depend on.
type Classifier interface {
	Classify(ctx context.Context, in classifier.Input) (*classifier.Result, error)
	Ready() bool
}

// PredictResponse is the body of a successful /predict.
type PredictResponse struct {
	Success       bool                     `json:"success"`
	Prediction    string                   `json:"prediction"`
	Confidence    float32                  `json:"confidence"`
	Probabilities classifier.Probabilities `json:"probabilities"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(clf Classifier, maxUpload int64, logger *zap.Logger) *gin.Engine {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}
	router := gin.New()
	router.MaxMultipartMemory = maxUpload
	router.Use(gin.Recovery(), RequestID(), AccessLog(logger), CORS())
	RegisterRoutes(router, clf, maxUpload, logger)
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, clf Classifier, maxUpload int64, logger *zap.Logger) {
	logger = logger.Named("handlers")

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", web.Index())
	})
	router.StaticFS("/static", http.FS(web.Static()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", ModelLoaded: clf.Ready()})
	})

	router.OPTIONS("/predict", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	router.POST("/predict", func(c *gin.Context) {
		requestID, _ := GetRequestID(c.Request.Context())
		opLogger := logging.WithOperation(logger, "handlers.predict", requestID)

		if c.Request.ContentLength > maxUpload+multipartOverhead {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+multipartOverhead)

		in, err := readInput(c, maxUpload)
		if form := c.Request.MultipartForm; form != nil {
			defer form.RemoveAll() //nolint:errcheck
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
				return
			}
			opLogger.Error("failed to read upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		in.RequestID = requestID

		result, err := clf.Classify(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, PredictResponse{
			Success:       true,
			Prediction:    result.Label,
			Confidence:    result.Confidence,
			Probabilities: result.Probabilities,
		})
	})
}

// readInput extracts the "image" field. A missing field is not an error
// here; the pipeline reports it as NoInput.
func readInput(c *gin.Context, maxUpload int64) (classifier.Input, error) {
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return classifier.Input{}, err
		case errors.Is(err, multipart.ErrMessageTooLarge):
			return classifier.Input{}, &http.MaxBytesError{Limit: maxUpload}
		case errors.Is(err, http.ErrMissingFile):
			// A plain form value named image is a file input left empty.
			if form := c.Request.MultipartForm; form != nil {
				if _, ok := form.Value["image"]; ok {
					return classifier.Input{Provided: true}, nil
				}
			}
		}
		// Not multipart, or malformed: there is no image to speak of.
		return classifier.Input{}, nil
	}

	if file.Size > maxUpload {
		return classifier.Input{}, &http.MaxBytesError{Limit: maxUpload}
	}

	src, err := file.Open()
	if err != nil {
		return classifier.Input{}, err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return classifier.Input{}, err
	}
	return classifier.Input{Filename: file.Filename, Data: data, Provided: true}, nil
}

func writeError(c *gin.Context, err error) {
	message := err.Error()
	var pipelineErr *classifier.Error
	if errors.As(err, &pipelineErr) {
		message = pipelineErr.Message
	}
	_ = c.Error(err)
	c.JSON(statusFor(classifier.KindOf(err)), gin.H{"error": message})
}

func statusFor(kind classifier.Kind) int {
	switch kind {
	case classifier.NoInput, classifier.InvalidFormat, classifier.InvalidImage:
		return http.StatusBadRequest
	case classifier.ModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
