package marshal_test

import (
	"bytes"
	"strings"

	. "github.com/PelionIoT/gridcore/marshal"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type payload struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

var _ = Describe("Marshal", func() {
	Describe("ZstdMarshaller", func() {
		It("should restore what it compressed and produce smaller output for repetitive payloads", func() {
			marshaller, err := NewZstdMarshaller(NewJSONMarshaller())

			Expect(err).Should(BeNil())

			defer marshaller.Close()

			original := payload{Name: "segment", Values: []string{}}

			for i := 0; i < 200; i++ {
				original.Values = append(original.Values, strings.Repeat("value", 10))
			}

			compressed, err := marshaller.Marshal(original)

			Expect(err).Should(BeNil())

			plain, _ := NewJSONMarshaller().Marshal(original)

			Expect(len(compressed)).Should(BeNumerically("<", len(plain)))

			var restored payload

			Expect(marshaller.Unmarshal(compressed, &restored)).Should(Succeed())
			Expect(restored).Should(Equal(original))
		})

		It("should fail to unmarshal data that is not compressed", func() {
			marshaller, _ := NewZstdMarshaller(nil)

			defer marshaller.Close()

			var restored payload

			Expect(marshaller.Unmarshal([]byte("{}"), &restored)).ShouldNot(Succeed())
		})
	})

	Describe("Encode", func() {
		It("should write a value that Decode can read back", func() {
			var buffer bytes.Buffer
			var restored payload

			Expect(Encode(NewJSONMarshaller(), &buffer, payload{Name: "a"})).Should(Succeed())
			Expect(Decode(NewJSONMarshaller(), &buffer, &restored)).Should(Succeed())
			Expect(restored.Name).Should(Equal("a"))
		})
	})
})
