//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/lectern/internal/api/handlers"
	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/jobs"
	"github.com/cloo-solutions/lectern/internal/normalize"
	"github.com/cloo-solutions/lectern/internal/repository"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/server"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/cloo-solutions/lectern/internal/storage"
	"github.com/cloo-solutions/lectern/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dimensions matches the vector column of the chunks table
const dimensions = 1536

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T         *testing.T
	Ctx       context.Context
	PostgresC *testutil.PostgresContainer
	RustFSC   *testutil.RustFSContainer
	Pool      *pgxpool.Pool
	S3Client  *storage.S3Client
	Server    *httptest.Server
	Worker    *jobs.IngestionWorker
	Chunks    *repository.ChunkRepository
}

// SetupE2EEnv starts Postgres and RustFS and serves the full router with
// deterministic providers in place of the model APIs and PDF tools.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "lectern-e2e",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	documentRepo := repository.NewDocumentRepository(pool)
	chunkRepo := repository.NewChunkRepository(pool)
	jobRepo := repository.NewIngestionJobRepository(pool)
	txRunner := repository.NewTxRunner(pool)
	normalizer := normalize.NewLocal()
	embedder := hashEmbedder{}
	chat := echoChat{}
	retry := resilience.RetryConfig{MaxAttempts: 1}

	documents := service.NewDocumentServiceWithTx(documentRepo, jobRepo, chunkRepo, s3Client, 1<<20, txRunner)
	pipeline := service.NewIngestionPipeline(service.IngestionDeps{
		Documents:  documentRepo,
		Chunks:     chunkRepo,
		Blobs:      s3Client,
		Renderer:   formFeedRenderer{},
		OCR:        textOCR{},
		Describer:  fixedDescriber{},
		Normalizer: normalizer,
		Embedder:   embedder,
		TxRunner:   txRunner,
	}, service.IngestionConfig{
		PageOverlap: 0.25,
		Dimensions:  dimensions,
		Retry:       retry,
	})
	augmenter := service.NewQueryAugmenter(normalizer, embedder, chunkRepo, service.AugmentConfig{TopK: 3, Retry: retry})
	summarizer := service.NewReduceSummarizer(chat, service.SummarizeConfig{WindowSize: 200, Retry: retry})
	composer := service.NewResponseComposer(chat, "", retry)
	answers := service.NewAnswerService(documentRepo, augmenter, summarizer, composer, false)

	srv := httptest.NewServer(server.NewRouter(server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(documents),
		AnswerHandler:   handlers.NewAnswerHandler(answers),
		MaxUploadBytes:  1 << 20,
		HealthChecks:    map[string]server.HealthCheck{"database": pool.Ping},
	}))

	return &E2ETestEnv{
		T:         t,
		Ctx:       ctx,
		PostgresC: pgC,
		RustFSC:   s3C,
		Pool:      pool,
		S3Client:  s3Client,
		Server:    srv,
		Worker:    jobs.NewIngestionWorker(jobRepo, pipeline, jobs.IngestionWorkerConfig{Concurrency: 2}),
		Chunks:    chunkRepo,
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.Server != nil {
		e.Server.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
}

// APIResponse is a decoded response envelope.
type APIResponse struct {
	StatusCode int
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Code       string          `json:"code"`
}

func (e *E2ETestEnv) do(req *http.Request) *APIResponse {
	e.T.Helper()
	resp, err := e.Server.Client().Do(req)
	if err != nil {
		e.T.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.T.Fatalf("failed to read response: %v", err)
	}
	out := &APIResponse{StatusCode: resp.StatusCode}
	if len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			e.T.Fatalf("failed to decode %q: %v", body, err)
		}
	}
	return out
}

func (e *E2ETestEnv) Get(path string) *APIResponse {
	req, _ := http.NewRequest(http.MethodGet, e.Server.URL+path, nil)
	return e.do(req)
}

func (e *E2ETestEnv) Delete(path string) *APIResponse {
	req, _ := http.NewRequest(http.MethodDelete, e.Server.URL+path, nil)
	return e.do(req)
}

func (e *E2ETestEnv) PostJSON(path string, body interface{}) *APIResponse {
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.Server.URL+path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

// Upload posts a PDF built from pages; see formFeedRenderer.
func (e *E2ETestEnv) Upload(courseID, filename string, pages ...string) *APIResponse {
	e.T.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", filename)
	part.Write(fakePDF(pages...))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.Server.URL+"/courses/"+courseID+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(req)
}

// WaitForDocument processes jobs until the document leaves processing.
func (e *E2ETestEnv) WaitForDocument(id string) map[string]interface{} {
	e.T.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.Worker.ProcessJobs(e.Ctx); err != nil {
			e.T.Fatalf("process jobs: %v", err)
		}
		resp := e.Get("/documents/" + id)
		var doc map[string]interface{}
		json.Unmarshal(resp.Data, &doc)
		if doc["status"] != string(domain.DocumentStatusProcessing) {
			return doc
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.T.Fatalf("document %s still processing", id)
	return nil
}

func fakePDF(pages ...string) []byte {
	return []byte("%PDF-1.4\n" + strings.Join(pages, "\f"))
}

// formFeedRenderer treats every form-feed separated section after the
// header line as one page image carrying its own text.
type formFeedRenderer struct{}

func (formFeedRenderer) Render(_ context.Context, pdf []byte) ([][]byte, error) {
	_, rest, ok := bytes.Cut(pdf, []byte("\n"))
	if !ok || len(rest) == 0 {
		return nil, fmt.Errorf("no pages")
	}
	return bytes.Split(rest, []byte("\f")), nil
}

type textOCR struct{}

func (textOCR) Recognize(_ context.Context, image []byte, _ string) (string, error) {
	return string(image), nil
}

type fixedDescriber struct{}

func (fixedDescriber) Describe(context.Context, []byte) (string, error) {
	return "A labelled diagram", nil
}

// hashEmbedder maps each word to a dimension, so texts sharing words score
// higher.
type hashEmbedder struct{}

func (hashEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, dimensions)
	for _, w := range strings.Fields(text) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%dimensions]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// echoChat answers with the system prompt and the last user turn.
type echoChat struct{}

func (echoChat) Complete(_ context.Context, messages []domain.Message) (*domain.Completion, error) {
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = m.Content
		case domain.RoleUser:
			user = m.Content
		}
	}
	return &domain.Completion{Content: "system: " + system + "\nuser: " + user, Model: "echo"}, nil
}
