package storage

import (
	"context"
	"encoding/json"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
)

var _ = Describe("RedisQueues", func() {
	var (
		ctx         context.Context
		queues      *RedisQueues
		redisClient *redis.Client
		miniRedis   *miniredis.Miniredis
	)

	BeforeEach(func() {
		miniRedis = miniredis.RunT(GinkgoT())
		redisClient = redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})
		queues = NewRedisQueues(redisClient, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		redisClient.Close()
	})

	Describe("EnqueueRaw", func() {
		It("should park the original payload with the failure reason", func() {
			raw := listing.Raw{
				Address:      "100 Garden State Pkwy, Woodbridge, NJ 07095",
				Status:       "Scheduled",
				SaleDateText: "2024-12-25",
				SourceName:   "civilview-hudson",
			}
			cause := apperrors.New(apperrors.ErrorTypeValidation, "bad row")

			Expect(queues.EnqueueRaw(ctx, "civilview-hudson", raw, cause)).To(Succeed())

			messages, err := redisClient.XRange(ctx, "ingest:dlq:rows", "-", "+").Result()
			Expect(err).ToNot(HaveOccurred())
			Expect(messages).To(HaveLen(1))

			var message DLQMessage
			Expect(json.Unmarshal([]byte(messages[0].Values["message"].(string)), &message)).To(Succeed())
			Expect(message.Type).To(Equal("raw_listing"))
			Expect(message.AdapterID).To(Equal("civilview-hudson"))
			Expect(message.LastError).To(ContainSubstring("bad row"))
			Expect(message.Timestamp).ToNot(BeZero())

			var parked listing.Raw
			Expect(json.Unmarshal(message.Payload, &parked)).To(Succeed())
			Expect(parked.Address).To(Equal(raw.Address))
		})
	})

	Describe("EnqueueVerification", func() {
		It("should queue a verification task", func() {
			propertyID := uuid.New()
			eventID := uuid.New()

			Expect(queues.EnqueueVerification(ctx, propertyID, eventID, "likely sold or adjourned")).To(Succeed())

			messages, err := redisClient.XRange(ctx, "reconcile:verify:tasks", "-", "+").Result()
			Expect(err).ToNot(HaveOccurred())
			Expect(messages).To(HaveLen(1))

			var task VerificationTask
			Expect(json.Unmarshal([]byte(messages[0].Values["task"].(string)), &task)).To(Succeed())
			Expect(task.PropertyID).To(Equal(propertyID))
			Expect(task.EventID).To(Equal(eventID))
			Expect(task.Reason).To(Equal("likely sold or adjourned"))
		})
	})
})

var _ = Describe("RedisBaselineTracker", func() {
	var (
		ctx         context.Context
		tracker     *RedisBaselineTracker
		redisClient *redis.Client
		miniRedis   *miniredis.Miniredis
	)

	BeforeEach(func() {
		miniRedis = miniredis.RunT(GinkgoT())
		redisClient = redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})
		tracker = NewRedisBaselineTracker(redisClient, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		redisClient.Close()
	})

	It("should report zero samples before any run", func() {
		avg, samples, err := tracker.Average(ctx, "civilview-hudson", "NJ")
		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(BeZero())
		Expect(avg).To(BeZero())
	})

	It("should average recorded batch sizes", func() {
		Expect(tracker.Record(ctx, "civilview-hudson", "NJ", 40)).To(Succeed())
		Expect(tracker.Record(ctx, "civilview-hudson", "NJ", 50)).To(Succeed())
		Expect(tracker.Record(ctx, "civilview-hudson", "NJ", 60)).To(Succeed())

		avg, samples, err := tracker.Average(ctx, "civilview-hudson", "NJ")
		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(Equal(3))
		Expect(avg).To(BeNumerically("~", 50.0, 1e-9))
	})

	It("should trim the window to thirty samples", func() {
		for i := 0; i < 40; i++ {
			Expect(tracker.Record(ctx, "civilview-hudson", "NJ", 10)).To(Succeed())
		}
		_, samples, err := tracker.Average(ctx, "civilview-hudson", "NJ")
		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(Equal(30))
	})

	It("should keep adapters and regions independent", func() {
		Expect(tracker.Record(ctx, "civilview-hudson", "NJ", 50)).To(Succeed())
		Expect(tracker.Record(ctx, "auction-aggregator", "NJ", 5)).To(Succeed())

		avgHudson, _, err := tracker.Average(ctx, "civilview-hudson", "NJ")
		Expect(err).ToNot(HaveOccurred())
		avgAggregator, _, err := tracker.Average(ctx, "auction-aggregator", "NJ")
		Expect(err).ToNot(HaveOccurred())

		Expect(avgHudson).To(Equal(50.0))
		Expect(avgAggregator).To(Equal(5.0))
	})
})
