package logger_test

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("creates a console logger with fields", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriters(&buf), logger.WithNoColor(true))
			l.Info("hello", zap.String("run_id", "run_1"))

			output := buf.String()
			Expect(output).To(ContainSubstring("INFO"))
			Expect(output).To(ContainSubstring("hello"))
			Expect(output).To(ContainSubstring(`"run_id": "run_1"`))
		})

		It("respects debug level", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriters(&buf), logger.WithDebug(true))
			l.Debug("debug msg")

			Expect(buf.String()).To(ContainSubstring("debug msg"))
		})

		It("filters debug when not enabled", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriters(&buf), logger.WithDebug(false))
			l.Debug("hidden")

			Expect(buf.String()).To(BeEmpty())
		})

		It("creates a JSON logger", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriters(&buf), logger.WithJSON(true))
			l.Info("structured", zap.Int("count", 42))

			var parsed map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &parsed)).To(Succeed())
			Expect(parsed["msg"]).To(Equal("structured"))
			Expect(parsed["count"]).To(BeNumerically("==", 42))
			Expect(parsed["level"]).To(Equal("info"))
			Expect(parsed).To(HaveKey("time"))
		})

		It("writes to every writer", func() {
			var a, b bytes.Buffer
			l := logger.NewLoggerWithWriters(false, &a, &b)
			l.Info("both")

			Expect(a.String()).To(ContainSubstring("both"))
			Expect(b.String()).To(ContainSubstring("both"))
		})

		It("omits the caller when disabled", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriters(&buf), logger.WithJSON(true), logger.WithCaller(false))
			l.Info("no caller")

			var parsed map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &parsed)).To(Succeed())
			Expect(parsed).NotTo(HaveKey("caller"))
		})
	})

	Describe("Tee", func() {
		It("fans entries out to every logger", func() {
			var console, file bytes.Buffer
			l := logger.Tee(
				logger.New(logger.WithWriters(&console)),
				logger.New(logger.WithWriters(&file), logger.WithJSON(true)),
			)
			l.Info("fan out")

			Expect(console.String()).To(ContainSubstring("fan out"))

			var parsed map[string]any
			Expect(json.Unmarshal(file.Bytes(), &parsed)).To(Succeed())
			Expect(parsed["msg"]).To(Equal("fan out"))
		})

		It("keeps each logger's level", func() {
			var quiet, loud bytes.Buffer
			l := logger.Tee(
				logger.New(logger.WithWriters(&quiet)),
				logger.New(logger.WithWriters(&loud), logger.WithDebug(true)),
			)
			l.Debug("detail")

			Expect(quiet.String()).To(BeEmpty())
			Expect(loud.String()).To(ContainSubstring("detail"))
		})
	})

	It("provides a no-op logger", func() {
		Expect(logger.Nop()).NotTo(BeNil())
	})
})
