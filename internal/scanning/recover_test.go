package scanning

import (
	"encoding/json"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

var _ = Describe("RecoverJSON", func() {
	const clean = `{"comercio": "Market X", "items": [{"descripcion": "Milk", "cantidad": 1}], "total": 42.5}`

	decode := func(s string) map[string]any {
		var v map[string]any
		ExpectWithOffset(1, json.Unmarshal([]byte(s), &v)).To(Succeed())
		return v
	}

	DescribeTable("recovers the same value as the clean document",
		func(noisy string) {
			Expect(decode(RecoverJSON(noisy))).To(Equal(decode(clean)))
		},
		Entry("already clean", clean),
		Entry("surrounding whitespace", "\n\t "+clean+"  \n"),
		Entry("json fence", "```json\n"+clean+"\n```"),
		Entry("bare fence", "```\n"+clean+"\n```"),
		Entry("fence without newlines", "```json"+clean+"```"),
		Entry("fence and trailing commas",
			"```json\n{\"comercio\": \"Market X\", \"items\": [{\"descripcion\": \"Milk\", \"cantidad\": 1,},], \"total\": 42.5,}\n```"),
		Entry("surrounding prose", "Sure! Here is the data:\n"+clean+"\nLet me know if you need more."),
		Entry("trailing comma with whitespace before brace", "{\"comercio\": \"Market X\", \"items\": [{\"descripcion\": \"Milk\", \"cantidad\": 1 ,\n }], \"total\": 42.5 ,\n}"),
	)

	It("leaves text without an object untouched apart from trimming", func() {
		Expect(RecoverJSON("  no json here ")).To(Equal("no json here"))
	})
})

var _ = Describe("DecodeJSON", func() {
	var (
		input string
		out   map[string]any
		err   error
	)

	JustBeforeEach(func() {
		out = nil
		err = DecodeJSON(input, &out)
	})

	When("the text is recoverable", func() {
		BeforeEach(func() {
			input = "```json\n{\"a\": 1,}\n```"
		})

		It("decodes it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveKeyWithValue("a", 1.0))
		})
	})

	When("the object is truncated", func() {
		BeforeEach(func() {
			input = `{"comercio": "Market X", "items": [{"descripcion": "Mi}`
		})

		It("returns a malformed output error", func() {
			Expect(errors.Is(err, receipt.ErrMalformedOutput)).To(BeTrue())
		})

		It("reports the response length", func() {
			Expect(err.Error()).To(ContainSubstring("Response length"))
		})
	})

	When("the parser reports an offset", func() {
		BeforeEach(func() {
			input = `{"comercio": "Market X" "total": 1}`
		})

		It("quotes the neighbourhood of the error", func() {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("Context around position"))
			Expect(err.Error()).To(ContainSubstring(`Market X`))
		})
	})

	When("there is no object at all", func() {
		BeforeEach(func() {
			input = strings.Repeat("nope ", 3)
		})

		It("returns a malformed output error", func() {
			Expect(errors.Is(err, receipt.ErrMalformedOutput)).To(BeTrue())
		})
	})
})
