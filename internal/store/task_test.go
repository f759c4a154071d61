package store_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fuse-drs/drs-provider/internal/config"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const insertTaskStm = "INSERT INTO upload_tasks (object_id, submitter_id, status, date_created) VALUES ('%s', '%s', '%s', '%s');"

func newTestConfig(name string) *config.Config {
	cfg := config.NewDefault()
	cfg.Database.Type = "sqlite"
	cfg.Database.Name = fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	return cfg
}

var _ = Describe("task store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := store.InitDB(newTestConfig("task_store"))
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		Expect(s.InitialMigration()).To(BeNil())
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM upload_tasks;")
	})

	Context("create", func() {
		It("creates a queued task with a creation date", func() {
			task, err := s.Task().Create(context.TODO(), model.Task{ObjectID: "upload_alice_1", SubmitterID: "alice"})
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusQueued))
			Expect(task.DateCreated.IsZero()).To(BeFalse())

			var count int64
			Expect(gormdb.Raw("SELECT COUNT(*) FROM upload_tasks;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(int64(1)))
		})

		It("refuses a second record with the same object id", func() {
			_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: "upload_alice_1", SubmitterID: "alice"})
			Expect(err).To(BeNil())

			_, err = s.Task().Create(context.TODO(), model.Task{ObjectID: "upload_alice_1", SubmitterID: "bob"})
			Expect(err).To(MatchError(store.ErrDuplicateKey))
		})
	})

	Context("get", func() {
		It("returns ErrRecordNotFound for an unknown id", func() {
			_, err := s.Task().Get(context.TODO(), "missing")
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("returns the stored record", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertTaskStm, "upload_bob_1", "bob", "queued", "2024-01-01 00:00:00"))
			Expect(tx.Error).To(BeNil())

			task, err := s.Task().Get(context.TODO(), "upload_bob_1")
			Expect(err).To(BeNil())
			Expect(task.SubmitterID).To(Equal("bob"))
			Expect(task.Status).To(Equal(model.TaskStatusQueued))
		})
	})

	Context("search", func() {
		It("lists only the object ids of the given submitter", func() {
			for i, submitter := range []string{"alice", "alice", "bob"} {
				tx := gormdb.Exec(fmt.Sprintf(insertTaskStm, fmt.Sprintf("upload_%s_%d", submitter, i), submitter, "queued", "2024-01-01 00:00:00"))
				Expect(tx.Error).To(BeNil())
			}

			ids, err := s.Task().ListObjectIDs(context.TODO(), store.NewTaskQueryFilter().BySubmitterID("alice"))
			Expect(err).To(BeNil())
			Expect(ids).To(ConsistOf("upload_alice_0", "upload_alice_1"))
		})

		It("returns an empty list for an unknown submitter", func() {
			ids, err := s.Task().ListObjectIDs(context.TODO(), store.NewTaskQueryFilter().BySubmitterID("nobody"))
			Expect(err).To(BeNil())
			Expect(ids).To(BeEmpty())
		})
	})

	Context("transitions", func() {
		var objectID string

		BeforeEach(func() {
			objectID = "upload_carol_1"
			_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: objectID, SubmitterID: "carol"})
			Expect(err).To(BeNil())
		})

		It("follows queued -> started -> completed", func() {
			start := time.Now().UTC()
			Expect(s.Task().MarkStarted(context.TODO(), objectID, start)).To(Succeed())
			Expect(s.Task().MarkCompleted(context.TODO(), objectID, start.Add(time.Second), 42)).To(Succeed())

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusCompleted))
			Expect(task.SizeBytes).To(Equal(int64(42)))
			Expect(task.StartDate).ToNot(BeNil())
			Expect(task.EndDate).ToNot(BeNil())
			Expect(task.EndDate.Before(*task.StartDate)).To(BeFalse())
			Expect(task.StartDate.Before(task.DateCreated)).To(BeFalse())
		})

		It("fills the start date when completing a task never marked started", func() {
			end := time.Now().UTC().Add(time.Second)
			Expect(s.Task().MarkCompleted(context.TODO(), objectID, end, 7)).To(Succeed())

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusCompleted))
			Expect(task.StartDate).ToNot(BeNil())
			Expect(task.EndDate).ToNot(BeNil())
			Expect(task.StartDate.Unix()).To(Equal(task.EndDate.Unix()))
			Expect(task.StartDate.Before(task.DateCreated)).To(BeFalse())
		})

		It("leaves the start date empty when failing a task that never started", func() {
			Expect(s.Task().MarkFailed(context.TODO(), objectID, time.Now().UTC().Add(time.Second), "stale")).To(Succeed())

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.StartDate).To(BeNil())
			Expect(task.EndDate).ToNot(BeNil())
			Expect(task.EndDate.Before(task.DateCreated)).To(BeFalse())
		})

		It("records stderr on failure", func() {
			Expect(s.Task().MarkStarted(context.TODO(), objectID, time.Now())).To(Succeed())
			Expect(s.Task().MarkFailed(context.TODO(), objectID, time.Now(), "disk full")).To(Succeed())

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusFailed))
			Expect(task.Stderr).ToNot(BeNil())
			Expect(*task.Stderr).To(Equal("disk full"))
		})

		It("keeps the first start date on redelivery", func() {
			first := time.Now().UTC().Add(-time.Hour)
			Expect(s.Task().MarkStarted(context.TODO(), objectID, first)).To(Succeed())
			Expect(s.Task().MarkStarted(context.TODO(), objectID, time.Now())).To(Succeed())

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.StartDate.Unix()).To(Equal(first.Unix()))
		})

		It("never moves a terminal task back to started", func() {
			Expect(s.Task().MarkStarted(context.TODO(), objectID, time.Now())).To(Succeed())
			Expect(s.Task().MarkCompleted(context.TODO(), objectID, time.Now(), 1)).To(Succeed())

			err := s.Task().MarkStarted(context.TODO(), objectID, time.Now())
			Expect(err).To(MatchError(store.ErrInvalidTransition))
			err = s.Task().MarkFailed(context.TODO(), objectID, time.Now(), "late failure")
			Expect(err).To(MatchError(store.ErrInvalidTransition))

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusCompleted))
			Expect(task.Stderr).To(BeNil())
		})

		It("keeps a single terminal status under concurrent writers", func() {
			Expect(s.Task().MarkStarted(context.TODO(), objectID, time.Now())).To(Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					if i%2 == 0 {
						_ = s.Task().MarkCompleted(context.TODO(), objectID, time.Now(), 1)
					} else {
						_ = s.Task().MarkStarted(context.TODO(), objectID, time.Now())
					}
				}(i)
			}
			wg.Wait()

			task, err := s.Task().Get(context.TODO(), objectID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusCompleted))
		})

		It("reports ErrRecordNotFound for an unknown id", func() {
			err := s.Task().MarkStarted(context.TODO(), "missing", time.Now())
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("stale filter", func() {
		It("selects queued and started tasks older than the cutoff", func() {
			old := time.Now().UTC().Add(-3 * time.Hour)
			recent := time.Now().UTC()

			_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: "old-queued", SubmitterID: "dave", DateCreated: old})
			Expect(err).To(BeNil())
			_, err = s.Task().Create(context.TODO(), model.Task{ObjectID: "old-started", SubmitterID: "dave", DateCreated: old})
			Expect(err).To(BeNil())
			Expect(s.Task().MarkStarted(context.TODO(), "old-started", old)).To(Succeed())
			_, err = s.Task().Create(context.TODO(), model.Task{ObjectID: "old-completed", SubmitterID: "dave", DateCreated: old})
			Expect(err).To(BeNil())
			Expect(s.Task().MarkCompleted(context.TODO(), "old-completed", old, 0)).To(Succeed())
			_, err = s.Task().Create(context.TODO(), model.Task{ObjectID: "fresh", SubmitterID: "dave", DateCreated: recent})
			Expect(err).To(BeNil())

			tasks, err := s.Task().List(context.TODO(), store.NewTaskQueryFilter().StaleBefore(time.Now().UTC().Add(-time.Hour)))
			Expect(err).To(BeNil())
			Expect(tasks.ObjectIDs()).To(ConsistOf("old-queued", "old-started"))
		})
	})

	Context("delete", func() {
		It("deletes exactly one record", func() {
			_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: "upload_erin_1", SubmitterID: "erin"})
			Expect(err).To(BeNil())

			count, err := s.Task().Delete(context.TODO(), "upload_erin_1")
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(1)))

			count, err = s.Task().Delete(context.TODO(), "upload_erin_1")
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(0)))
		})
	})
	Context("count", func() {
		It("counts records per status", func() {
			for _, id := range []string{"upload_finn_1", "upload_finn_2", "upload_finn_3"} {
				_, err := s.Task().Create(context.TODO(), model.Task{ObjectID: id, SubmitterID: "finn"})
				Expect(err).To(BeNil())
			}
			Expect(s.Task().MarkStarted(context.TODO(), "upload_finn_2", time.Now())).To(Succeed())
			Expect(s.Task().MarkFailed(context.TODO(), "upload_finn_3", time.Now(), "boom")).To(Succeed())

			counts, err := s.Task().CountByStatus(context.TODO())
			Expect(err).To(BeNil())
			Expect(counts).To(HaveKeyWithValue(model.TaskStatusQueued, int64(1)))
			Expect(counts).To(HaveKeyWithValue(model.TaskStatusStarted, int64(1)))
			Expect(counts).To(HaveKeyWithValue(model.TaskStatusFailed, int64(1)))
			Expect(counts).ToNot(HaveKey(model.TaskStatusCompleted))
		})
	})
})
