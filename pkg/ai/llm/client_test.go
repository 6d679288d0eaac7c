package llm

import (
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/pkg/types"
)

func TestLLM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LLM Suite")
}

var _ = Describe("LLM Client", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
	})

	Describe("NewClient", func() {
		DescribeTable("creating new client",
			func(cfg config.LLMConfig, expectErr bool, errString string) {
				c, err := NewClient(cfg, logger)

				if expectErr {
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring(errString))
					Expect(c).To(BeNil())
				} else {
					Expect(err).ToNot(HaveOccurred())
					Expect(c).ToNot(BeNil())
					var clientInterface Client = c
					Expect(clientInterface).ToNot(BeNil())
				}
			},
			Entry("valid localai config",
				config.LLMConfig{
					Provider: "localai",
					Endpoint: "http://localhost:8080",
					Model:    "test-model",
					Timeout:  30 * time.Second,
				},
				false,
				"",
			),
			Entry("valid anthropic config",
				config.LLMConfig{
					Provider: "anthropic",
					Model:    "claude-sonnet-4-5",
					APIKey:   "test-key",
					Timeout:  30 * time.Second,
				},
				false,
				"",
			),
			Entry("invalid provider",
				config.LLMConfig{
					Provider: "invalid",
					Endpoint: "http://localhost:8080",
					Model:    "test-model",
				},
				true,
				"unsupported provider: invalid",
			),
		)
	})

	Describe("Prompt Templates", func() {
		It("should not contain unescaped percentage signs", func() {
			for _, tmpl := range []string{rcaPromptTemplate, fixPromptTemplate, verifyPromptTemplate} {
				for _, pattern := range []string{"90%+", "95% ", "80% "} {
					Expect(tmpl).ToNot(ContainSubstring(pattern))
				}
			}
		})

		It("should contain essential prompt sections", func() {
			Expect(rcaPromptTemplate).To(ContainSubstring("<|system|>"))
			Expect(rcaPromptTemplate).To(ContainSubstring("<|user|>"))
			Expect(rcaPromptTemplate).To(ContainSubstring("<|assistant|>"))
			Expect(rcaPromptTemplate).To(ContainSubstring("CRITICAL DECISION RULES"))
		})
	})

	Describe("Prompt Generation", func() {
		var fc types.FaultContext

		BeforeEach(func() {
			fc = types.FaultContext{
				Resource: types.ResourceRef{Kind: "Pod", Name: "test-pod", Namespace: "test-namespace"},
				Findings: []types.DiagnosticFinding{
					{Kind: "Pod", Name: "test-pod", Namespace: "test-namespace", Errors: []string{"CrashLoopBackOff"}},
				},
				LogTail: []string{"panic: out of memory"},
			}
		})

		It("should generate a basic RCA prompt without errors", func() {
			prompt := generateRCAPrompt(fc)

			Expect(prompt).ToNot(BeEmpty())
			Expect(prompt).To(ContainSubstring("test-pod"))
			Expect(prompt).To(ContainSubstring("test-namespace"))
			Expect(prompt).To(ContainSubstring("CrashLoopBackOff"))
		})

		It("should not leak format placeholders into the rendered prompt", func() {
			prompt := generateRCAPrompt(fc)

			Expect(strings.Contains(prompt, "%s")).To(BeFalse())
			Expect(strings.Contains(prompt, "%v")).To(BeFalse())
		})
	})
})
