package llm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegis-sre/aegis/pkg/types"
)

var _ = Describe("schema validation", func() {
	Describe("extractJSON", func() {
		It("strips surrounding chatter around a JSON object", func() {
			raw := "Here you go:\n```json\n{\"root_cause\":\"oom\"}\n```\n"
			Expect(extractJSON(raw)).To(Equal(`{"root_cause":"oom"}`))
		})

		It("returns the input unchanged when no braces are found", func() {
			Expect(extractJSON("no json here")).To(Equal("no json here"))
		})
	})

	Describe("validateAndDecode", func() {
		It("decodes a response that satisfies the schema", func() {
			raw := `{"root_cause": "oom kill", "severity": "high", "confidence": 0.8}`
			var result types.RCAResult
			err := validateAndDecode(raw, rcaResultSchema, &result)

			Expect(err).ToNot(HaveOccurred())
			Expect(result.RootCause).To(Equal("oom kill"))
			Expect(result.Confidence).To(Equal(0.8))
		})

		It("rejects a response missing required fields", func() {
			raw := `{"severity": "high"}`
			var result types.RCAResult
			err := validateAndDecode(raw, rcaResultSchema, &result)

			Expect(err).To(HaveOccurred())
		})

		It("rejects a confidence value outside [0,1]", func() {
			raw := `{"root_cause": "oom", "severity": "high", "confidence": 1.5}`
			var result types.RCAResult
			err := validateAndDecode(raw, rcaResultSchema, &result)

			Expect(err).To(HaveOccurred())
		})

		It("rejects malformed JSON", func() {
			var result types.RCAResult
			err := validateAndDecode("not json", rcaResultSchema, &result)

			Expect(err).To(HaveOccurred())
		})
	})
})
