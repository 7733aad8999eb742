// Package logtest holds the behaviour every streamlog.Log backend must
// satisfy, expressed as shared ginkgo specs.
package logtest

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/streamlog"
)

func record(client string, idx int64, data string) streamlog.Record {
	return streamlog.Record{ClientID: client, ChunkIndex: idx, Data: data}
}

// DescribeLog registers conformance specs for the Log returned by newLog.
// Each test uses a fresh random key so shared external stores stay isolated.
func DescribeLog(name string, newLog func() streamlog.Log) bool {
	return Describe(name+" conformance", func() {
		var (
			log streamlog.Log
			key string
			ctx context.Context
		)

		BeforeEach(func() {
			log = newLog()
			key = "logtest:" + uuid.NewString()
			ctx = context.Background()
		})

		AfterEach(func() {
			if log != nil {
				Expect(log.Close()).To(Succeed())
			}
		})

		appendN := func(n int) []uint64 {
			seqs := make([]uint64, 0, n)
			for i := 0; i < n; i++ {
				seq, err := log.Append(ctx, key, record("c1", int64(i), string(rune('a'+i))), 0)
				Expect(err).NotTo(HaveOccurred())
				seqs = append(seqs, seq)
			}
			return seqs
		}

		It("assigns increasing sequence numbers starting at 1", func() {
			Expect(appendN(3)).To(Equal([]uint64{1, 2, 3}))
		})

		It("reads entries after a position in append order", func() {
			appendN(4)

			entries, err := log.Read(ctx, key, 0, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(4))
			for i, e := range entries {
				rec := streamlog.Normalize(e)
				Expect(rec.Seq).To(Equal(uint64(i + 1)))
				Expect(rec.ChunkIndex).To(Equal(int64(i)))
				Expect(rec.ClientID).To(Equal("c1"))
			}

			entries, err = log.Read(ctx, key, 2, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Seq).To(Equal(uint64(3)))
		})

		It("limits reads to count", func() {
			appendN(5)

			entries, err := log.Read(ctx, key, 0, 2, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[1].Seq).To(Equal(uint64(2)))
		})

		It("pages backwards from the newest entry", func() {
			appendN(5)

			entries, err := log.RevRange(ctx, key, 0, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Seq).To(Equal(uint64(5)))
			Expect(entries[1].Seq).To(Equal(uint64(4)))

			entries, err = log.RevRange(ctx, key, 4, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
			Expect(entries[0].Seq).To(Equal(uint64(3)))
			Expect(entries[2].Seq).To(Equal(uint64(1)))
		})

		It("returns nothing for an unknown key", func() {
			entries, err := log.RevRange(ctx, key, 0, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())

			entries, err = log.Read(ctx, key, 0, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("keeps the newest entries when trimming", func() {
			for i := 0; i < 20; i++ {
				_, err := log.Append(ctx, key, record("c1", int64(i), "x"), 5)
				Expect(err).NotTo(HaveOccurred())
			}

			entries, err := log.RevRange(ctx, key, 0, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(entries)).To(BeNumerically(">=", 5))
			Expect(entries[0].Seq).To(Equal(uint64(20)))
			for i := 1; i < len(entries); i++ {
				Expect(entries[i].Seq).To(Equal(entries[i-1].Seq - 1))
			}
		})

		It("wakes a blocked reader on append", func() {
			go func() {
				defer GinkgoRecover()
				time.Sleep(50 * time.Millisecond)
				_, err := log.Append(ctx, key, record("c1", 0, "late"), 0)
				Expect(err).NotTo(HaveOccurred())
			}()

			entries, err := log.Read(ctx, key, 0, 10, 3*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(streamlog.Normalize(entries[0]).Data).To(Equal("late"))
		})

		It("returns empty after the block timeout", func() {
			start := time.Now()
			entries, err := log.Read(ctx, key, 0, 10, 100*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
			Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
		})

		It("stops a blocked read when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			start := time.Now()
			_, err := log.Read(cctx, key, 0, 10, 5*time.Second)
			Expect(err).To(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("drops a key once its ttl passes", func() {
			appendN(2)
			Expect(log.Expire(ctx, key, 100*time.Millisecond)).To(Succeed())

			Eventually(func() int {
				entries, err := log.RevRange(ctx, key, 0, 10)
				Expect(err).NotTo(HaveOccurred())
				return len(entries)
			}, 3*time.Second, 50*time.Millisecond).Should(BeZero())
		})
	})
}
