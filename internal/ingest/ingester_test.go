package ingest_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fuse-drs/drs-provider/internal/config"
	"github.com/fuse-drs/drs-provider/internal/ingest"
	"github.com/fuse-drs/drs-provider/internal/queue"
	"github.com/fuse-drs/drs-provider/internal/spool"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

func newTestStore(name string) (store.Store, *gorm.DB) {
	cfg := config.NewDefault()
	cfg.Database.Type = "sqlite"
	cfg.Database.Name = fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := store.InitDB(cfg)
	Expect(err).To(BeNil())
	s := store.NewStore(db)
	Expect(s.InitialMigration()).To(Succeed())
	return s, db
}

// hookSpool runs onOpen before handing out a payload.
type hookSpool struct {
	*spool.FileSpool
	onOpen func()
}

func (h *hookSpool) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	h.onOpen()
	return h.FileSpool.Open(ctx, key)
}

var _ = Describe("Ingester", Ordered, func() {
	var (
		s        store.Store
		gormdb   *gorm.DB
		sp       *spool.FileSpool
		dataPath string
		ingester *ingest.Ingester
		ctx      context.Context
	)

	BeforeAll(func() {
		s, gormdb = newTestStore("ingester")
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		ctx = context.Background()
		dataPath = GinkgoT().TempDir()
		var err error
		sp, err = spool.NewFileSpool(GinkgoT().TempDir())
		Expect(err).To(BeNil())
		ingester = ingest.NewIngester(s, sp, dataPath)
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM upload_tasks;")
	})

	submit := func(id, content string) queue.Task {
		_, err := sp.Put(ctx, id, strings.NewReader(content))
		Expect(err).To(BeNil())
		_, err = s.Task().Create(ctx, model.Task{ObjectID: id, SubmitterID: "alice", PayloadRef: id})
		Expect(err).To(BeNil())
		return queue.Task{ObjectID: id, SubmitterID: "alice", PayloadRef: id}
	}

	It("stages the payload and completes the record", func() {
		task := submit("upload_alice_1", "archive-bytes")

		Expect(ingester.Handle(ctx, task)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(dataPath, "upload_alice_1-data", "upload.gz"))
		Expect(err).To(BeNil())
		Expect(string(data)).To(Equal("archive-bytes"))

		record, err := s.Task().Get(ctx, "upload_alice_1")
		Expect(err).To(BeNil())
		Expect(record.Status).To(Equal(model.TaskStatusCompleted))
		Expect(record.SizeBytes).To(Equal(int64(len("archive-bytes"))))
		Expect(record.StartDate).ToNot(BeNil())
		Expect(record.EndDate).ToNot(BeNil())
		Expect(record.EndDate.Before(*record.StartDate)).To(BeFalse())

		_, err = sp.Open(ctx, "upload_alice_1")
		Expect(err).To(MatchError(spool.ErrNotFound))
	})

	It("refuses to reuse an existing work directory", func() {
		task := submit("upload_alice_2", "x")
		dir := ingest.WorkDir(dataPath, "upload_alice_2")
		Expect(os.Mkdir(dir, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "keep"), []byte("k"), 0o640)).To(Succeed())

		err := ingester.Handle(ctx, task)
		Expect(err).To(MatchError(ingest.ErrWorkdirConflict))

		record, err := s.Task().Get(ctx, "upload_alice_2")
		Expect(err).To(BeNil())
		Expect(record.Status).To(Equal(model.TaskStatusFailed))
		Expect(record.Stderr).ToNot(BeNil())
		Expect(*record.Stderr).To(ContainSubstring("work directory already exists"))
		Expect(filepath.Join(dir, "keep")).To(BeAnExistingFile())
	})

	It("fails the record and cleans up when the payload is missing", func() {
		_, err := s.Task().Create(ctx, model.Task{ObjectID: "upload_alice_3", SubmitterID: "alice"})
		Expect(err).To(BeNil())

		err = ingester.Handle(ctx, queue.Task{ObjectID: "upload_alice_3", PayloadRef: "upload_alice_3"})
		Expect(err).To(MatchError(spool.ErrNotFound))

		record, err := s.Task().Get(ctx, "upload_alice_3")
		Expect(err).To(BeNil())
		Expect(record.Status).To(Equal(model.TaskStatusFailed))
		Expect(ingest.WorkDir(dataPath, "upload_alice_3")).ToNot(BeADirectory())
	})

	It("records the failure even when the job context is already cancelled", func() {
		task := submit("upload_alice_4", "x")
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Expect(ingester.Handle(cancelled, task)).ToNot(Succeed())

		record, err := s.Task().Get(ctx, "upload_alice_4")
		Expect(err).To(BeNil())
		Expect(record.Status).To(Equal(model.TaskStatusFailed))
		Expect(record.EndDate).ToNot(BeNil())
	})

	It("leaves a terminal record untouched", func() {
		task := submit("upload_alice_5", "x")
		Expect(s.Task().MarkFailed(ctx, "upload_alice_5", nowUTC(), "stale")).To(Succeed())

		err := ingester.Handle(ctx, task)
		Expect(err).To(MatchError(store.ErrInvalidTransition))

		record, err := s.Task().Get(ctx, "upload_alice_5")
		Expect(err).To(BeNil())
		Expect(record.Status).To(Equal(model.TaskStatusFailed))
		Expect(*record.Stderr).To(Equal("stale"))
		Expect(ingest.WorkDir(dataPath, "upload_alice_5")).ToNot(BeADirectory())
	})

	It("falls back to the object id when the payload reference is empty", func() {
		task := submit("upload_alice_6", "abc")
		task.PayloadRef = ""

		Expect(ingester.Handle(ctx, task)).To(Succeed())
		Expect(ingest.PayloadPath(dataPath, "upload_alice_6")).To(BeAnExistingFile())
	})

	It("drops staged data when the record is deleted mid-ingestion", func() {
		task := submit("upload_alice_7", "abc")
		hooked := &hookSpool{FileSpool: sp, onOpen: func() {
			_, err := s.Task().Delete(ctx, "upload_alice_7")
			Expect(err).To(BeNil())
		}}
		ingester = ingest.NewIngester(s, hooked, dataPath)

		err := ingester.Handle(ctx, task)
		Expect(err).To(MatchError(store.ErrRecordNotFound))
		Expect(ingest.WorkDir(dataPath, "upload_alice_7")).ToNot(BeADirectory())
	})
})
