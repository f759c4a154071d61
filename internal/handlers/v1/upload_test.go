package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/fuse-drs/drs-provider/internal/config"
	v1 "github.com/fuse-drs/drs-provider/internal/handlers/v1"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/service"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	"github.com/fuse-drs/drs-provider/pkg/middleware"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

type noopStarter struct{}

func (noopStarter) EnsureRunning() error { return nil }

// stubUploadService returns canned answers for error mapping checks.
type stubUploadService struct {
	err error
}

func (s stubUploadService) Submit(context.Context, service.SubmitRequest) (*service.SubmitResponse, error) {
	return nil, s.err
}

func (s stubUploadService) Status(context.Context, string) (*service.StatusView, error) {
	return nil, s.err
}

func (s stubUploadService) Delete(context.Context, string) service.DeleteResult {
	return service.DeleteResult{Status: service.DeleteStatusException, Stderr: s.err.Error()}
}

func (s stubUploadService) Search(context.Context, string) ([]string, error) {
	return nil, s.err
}

func newRouter(h *v1.ServiceHandler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	h.Routes(router)
	return router
}

func multipartBody(field, filename, content string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile(field, filename)
	Expect(err).To(BeNil())
	_, err = io.WriteString(fw, content)
	Expect(err).To(BeNil())
	Expect(mw.Close()).To(Succeed())
	return body, mw.FormDataContentType()
}

func decode[T any](rec *httptest.ResponseRecorder) T {
	var v T
	Expect(json.Unmarshal(rec.Body.Bytes(), &v)).To(Succeed())
	return v
}

var _ = Describe("upload handlers", Ordered, func() {
	var (
		s        store.Store
		gormdb   *gorm.DB
		mem      *queue.MemoryQueue
		router   http.Handler
		dataPath string
	)

	BeforeAll(func() {
		cfg := config.NewDefault()
		cfg.Database.Type = "sqlite"
		cfg.Database.Name = "file:upload_handlers?mode=memory&cache=shared"
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		Expect(s.InitialMigration()).To(Succeed())
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		sp, err := spool.NewFileSpool(GinkgoT().TempDir())
		Expect(err).To(BeNil())
		dataPath = GinkgoT().TempDir()
		mem = queue.NewMemoryQueue(queue.HandlerFunc(func(context.Context, queue.Task) error { return nil }), 1, time.Second)
		drsSrv, err := service.NewDrsService(nil, "")
		Expect(err).To(BeNil())
		uploadSrv := service.NewUploadService(s, mem, sp, noopStarter{}, dataPath)
		router = newRouter(v1.NewServiceHandler(uploadSrv, drsSrv, 1024))
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM upload_tasks;")
	})

	submit := func(query url.Values, field, content string) *httptest.ResponseRecorder {
		body, contentType := multipartBody(field, "sample.gz", content)
		req := httptest.NewRequest(http.MethodPost, "/submit?"+query.Encode(), body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("accepts an archive and returns its object id", func() {
		rec := submit(url.Values{"submitter_id": {"alice"}, "apikey": {"secret"}}, "archive", "data")
		Expect(rec.Code).To(Equal(http.StatusOK))

		resp := decode[v1.SubmitResponse](rec)
		Expect(resp.ObjectID).To(HavePrefix("upload_alice_"))

		record, err := s.Task().Get(context.TODO(), resp.ObjectID)
		Expect(err).To(BeNil())
		Expect(record.Filename).To(Equal("sample.gz"))
		Expect(rec.Body.String()).ToNot(ContainSubstring("secret"))
	})

	It("rejects a submission without submitter", func() {
		rec := submit(url.Values{}, "archive", "data")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))

		resp := decode[v1.ErrorResponse](rec)
		Expect(resp.Status).To(Equal(http.StatusBadRequest))
		Expect(resp.RequestID).ToNot(BeEmpty())
	})

	It("requires the archive field", func() {
		rec := submit(url.Values{"submitter_id": {"alice"}}, "file", "data")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode[v1.ErrorResponse](rec).Message).To(ContainSubstring("archive"))
	})

	It("rejects a body that is not multipart", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit?submitter_id=alice", strings.NewReader("raw"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("refuses uploads over the size limit", func() {
		rec := submit(url.Values{"submitter_id": {"alice"}}, "archive", strings.Repeat("x", 4096))
		Expect(rec.Code).ToNot(Equal(http.StatusOK))

		ids, err := s.Task().ListObjectIDs(context.TODO(), nil)
		Expect(err).To(BeNil())
		Expect(ids).To(BeEmpty())
	})

	It("searches, reports status and deletes", func() {
		created := decode[v1.SubmitResponse](submit(url.Values{"submitter_id": {"bob"}}, "archive", "data"))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/search/bob", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode[[]v1.ObjectRef](rec)).To(ConsistOf(v1.ObjectRef{ObjectID: created.ObjectID}))

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/status/"+created.ObjectID, nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode[v1.StatusResponse](rec).Status).To(Equal(string(model.TaskStatusQueued)))

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/delete/"+created.ObjectID, nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		result := decode[service.DeleteResult](rec)
		Expect(result.Status).To(Equal(service.DeleteStatusDeleted))
		Expect(result.Phases).To(HaveLen(3))

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/status/"+created.ObjectID, nil))
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("includes failure details in the status", func() {
		_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: "upload_carol_1", SubmitterID: "carol"})
		Expect(err).To(BeNil())
		Expect(s.Task().MarkFailed(context.TODO(), "upload_carol_1", time.Now(), "disk full")).To(Succeed())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/status/upload_carol_1", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))

		resp := decode[v1.StatusResponse](rec)
		Expect(resp.Status).To(Equal("failed"))
		Expect(resp.Message).ToNot(BeNil())
		Expect(*resp.Message.Stderr).To(Equal("disk full"))
	})
})

var _ = Describe("error mapping", func() {
	DescribeTable("maps service errors to status codes",
		func(err error, code int) {
			drsSrv, derr := service.NewDrsService(nil, "")
			Expect(derr).To(BeNil())
			router := newRouter(v1.NewServiceHandler(stubUploadService{err: err}, drsSrv, 0))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/status/x", nil))
			Expect(rec.Code).To(Equal(code))
			Expect(decode[v1.ErrorResponse](rec).Message).To(Equal(err.Error()))
		},
		Entry("validation", service.NewErrValidation("bad"), http.StatusBadRequest),
		Entry("not found", service.NewErrObjectNotFound("x", "nowhere"), http.StatusNotFound),
		Entry("forbidden", service.NewErrForbidden("no"), http.StatusForbidden),
		Entry("dependency", service.NewErrDependencyUnavailable("record store", errors.New("down")), http.StatusInternalServerError),
		Entry("unexpected", fmt.Errorf("boom"), http.StatusInternalServerError),
	)
})
