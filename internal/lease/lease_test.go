package lease_test

import (
	"context"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fuse-drs/drs-provider/internal/lease"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RedisLocker", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).To(BeNil())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("grants the lease to one holder at a time", func() {
		first := lease.NewRedisLocker(client)
		second := lease.NewRedisLocker(client)

		release, ok, err := first.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		_, ok, err = second.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).To(BeNil())
		Expect(ok).To(BeFalse())

		release()
		_, ok, err = second.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
	})

	It("lets the lease expire", func() {
		locker := lease.NewRedisLocker(client)
		_, ok, err := locker.TryAcquire(context.TODO(), "reaper", time.Second)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		mr.FastForward(2 * time.Second)

		_, ok, err = locker.TryAcquire(context.TODO(), "reaper", time.Second)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
	})

	It("does not release a lease taken over after expiry", func() {
		locker := lease.NewRedisLocker(client)
		staleRelease, ok, err := locker.TryAcquire(context.TODO(), "reaper", time.Second)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		mr.FastForward(2 * time.Second)
		_, ok, err = locker.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		staleRelease()
		Expect(mr.Exists("drs:lease:reaper")).To(BeTrue())
	})

	It("reports redis errors", func() {
		Expect(client.Close()).To(Succeed())
		_, ok, err := lease.NewRedisLocker(client).TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).ToNot(BeNil())
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("LocalLocker", func() {
	It("grants the lease to one holder at a time", func() {
		locker := lease.NewLocalLocker()
		release, ok, err := locker.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		_, ok, _ = locker.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(ok).To(BeFalse())

		release()
		_, ok, _ = locker.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(ok).To(BeTrue())
	})

	It("hands out a lease once the previous one expired", func() {
		locker := lease.NewLocalLocker()
		_, ok, _ := locker.TryAcquire(context.TODO(), "reaper", time.Nanosecond)
		Expect(ok).To(BeTrue())
		time.Sleep(time.Millisecond)

		_, ok, _ = locker.TryAcquire(context.TODO(), "reaper", time.Minute)
		Expect(ok).To(BeTrue())
	})
})
