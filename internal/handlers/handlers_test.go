package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/classifier"
	"github.com/example/lesion-classifier/internal/upload"
)

type fixedModel struct {
	calls  atomic.Int32
	output []float32
}

func (m *fixedModel) Predict(ctx context.Context, input classifier.Tensor) ([]float32, error) {
	m.calls.Add(1)
	return m.output, nil
}

func newTestRouter(t *testing.T, model classifier.Model, maxUpload int64) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	stager, err := upload.NewStager(dir, zap.NewNop())
	require.NoError(t, err)
	clf := classifier.New(model, stager, classifier.Options{Size: 16}, zap.NewNop())
	return NewRouter(clf, maxUpload, zap.NewNop()), dir
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: 90, B: uint8(y * 20), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func post(t *testing.T, router *gin.Engine, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	return payload["error"]
}

// probabilityKeys returns the keys of the "probabilities" object in the order
// they appear on the wire.
func probabilityKeys(t *testing.T, body []byte) classifier.Labels {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(body))

	_, err := dec.Token() // {
	require.NoError(t, err)
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		if tok != "probabilities" {
			var skip json.RawMessage
			require.NoError(t, dec.Decode(&skip))
			continue
		}

		delim, err := dec.Token()
		require.NoError(t, err)
		require.Equal(t, json.Delim('{'), delim)

		var keys classifier.Labels
		for dec.More() {
			key, err := dec.Token()
			require.NoError(t, err)
			keys = append(keys, key.(string))
			var value float64
			require.NoError(t, dec.Decode(&value))
		}
		return keys
	}
	t.Fatal("response has no probabilities object")
	return nil
}

func TestPredictSuccess(t *testing.T) {
	model := &fixedModel{output: []float32{0.15, 0.8, 0.05}}
	router, dir := newTestRouter(t, model, MaxUploadSize)

	body, contentType := buildMultipartBody(t, "lesion.png", pngBytes(t))
	resp := post(t, router, body, contentType)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var payload struct {
		Success       bool               `json:"success"`
		Prediction    string             `json:"prediction"`
		Confidence    float64            `json:"confidence"`
		Probabilities map[string]float64 `json:"probabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "Malignant", payload.Prediction)
	assert.InDelta(t, 0.8, payload.Confidence, 1e-6)
	assert.Len(t, payload.Probabilities, 3)

	var sum float64
	for _, label := range classifier.SkinLabels {
		p, ok := payload.Probabilities[label]
		require.True(t, ok, label)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-3)

	assert.Equal(t, classifier.SkinLabels, probabilityKeys(t, resp.Body.Bytes()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPredictRejectsTextFile(t *testing.T) {
	model := &fixedModel{output: []float32{1, 0, 0}}
	router, _ := newTestRouter(t, model, MaxUploadSize)

	body, contentType := buildMultipartBody(t, "notes.txt", []byte("hello"))
	resp := post(t, router, body, contentType)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Invalid image format", decodeError(t, resp))
	assert.Zero(t, model.calls.Load())
}

func TestPredictRejectsCorruptImage(t *testing.T) {
	model := &fixedModel{output: []float32{1, 0, 0}}
	router, _ := newTestRouter(t, model, MaxUploadSize)

	for _, payload := range [][]byte{nil, []byte("garbage")} {
		body, contentType := buildMultipartBody(t, "lesion.jpg", payload)
		resp := post(t, router, body, contentType)

		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "Invalid image", decodeError(t, resp))
	}
	assert.Zero(t, model.calls.Load())
}

func TestPredictWithoutImageField(t *testing.T) {
	router, _ := newTestRouter(t, &fixedModel{output: []float32{1, 0, 0}}, MaxUploadSize)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("note", "nothing here"))
	require.NoError(t, writer.Close())

	resp := post(t, router, body, writer.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "No image uploaded", decodeError(t, resp))

	resp = post(t, router, &bytes.Buffer{}, "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "No image uploaded", decodeError(t, resp))
}

func TestPredictWithEmptyFileInput(t *testing.T) {
	router, _ := newTestRouter(t, &fixedModel{output: []float32{1, 0, 0}}, MaxUploadSize)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("image", ""))
	require.NoError(t, writer.Close())

	resp := post(t, router, body, writer.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "No file selected", decodeError(t, resp))
}

func TestPredictWithoutModel(t *testing.T) {
	router, _ := newTestRouter(t, nil, MaxUploadSize)

	body, contentType := buildMultipartBody(t, "lesion.png", pngBytes(t))
	resp := post(t, router, body, contentType)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "Model not loaded", decodeError(t, resp))
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	const limit = 1 << 10
	model := &fixedModel{output: []float32{1, 0, 0}}
	router, _ := newTestRouter(t, model, limit)

	body, contentType := buildMultipartBody(t, "lesion.png", bytes.Repeat([]byte("a"), limit+1))
	resp := post(t, router, body, contentType)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Zero(t, model.calls.Load())
}

func TestHealthReportsModelState(t *testing.T) {
	for _, tc := range []struct {
		name   string
		model  classifier.Model
		loaded bool
	}{
		{"without model", nil, false},
		{"with model", &fixedModel{output: []float32{1, 0, 0}}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := newTestRouter(t, tc.model, MaxUploadSize)

			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, http.StatusOK, resp.Code)

			var payload HealthResponse
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
			assert.Equal(t, "ok", payload.Status)
			assert.Equal(t, tc.loaded, payload.ModelLoaded)
		})
	}
}

func TestLandingPageAndAssets(t *testing.T) {
	router, _ := newTestRouter(t, nil, MaxUploadSize)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, resp.Body.String(), "Skin Lesion Classifier")

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/static/script.js", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "/predict")
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, nil, MaxUploadSize)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://example.com")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestIDIsEchoed(t *testing.T) {
	router, _ := newTestRouter(t, nil, MaxUploadSize)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, "req-42", resp.Header().Get(RequestIDHeader))

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, resp.Header().Get(RequestIDHeader), 36)
}
