package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	return img
}

func encoded(encode func(*bytes.Buffer, image.Image) error) []byte {
	var buf bytes.Buffer
	Expect(encode(&buf, testImage())).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("PrepareImage", func() {
	var pngBytes []byte

	BeforeEach(func() {
		pngBytes = encoded(func(b *bytes.Buffer, i image.Image) error { return png.Encode(b, i) })
	})

	It("passes PNG through untouched", func() {
		img, err := PrepareImage(pngBytes, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Data).To(Equal(pngBytes))
		Expect(img.MIMEType).To(Equal("image/png"))
		Expect(img.Format).To(Equal("png"))
	})

	It("sniffs an undeclared PNG", func() {
		img, err := PrepareImage(pngBytes, "application/octet-stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Data).To(Equal(pngBytes))
	})

	DescribeTable("converts other formats to PNG",
		func(contentType string, encode func(*bytes.Buffer, image.Image) error) {
			img, err := PrepareImage(encoded(encode), contentType)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Format).To(Equal("png"))
			Expect(img.MIMEType).To(Equal("image/png"))

			decoded, err := png.Decode(bytes.NewReader(img.Data))
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Bounds()).To(Equal(image.Rect(0, 0, 4, 4)))
		},
		Entry("JPEG", "image/jpeg", func(b *bytes.Buffer, i image.Image) error { return jpeg.Encode(b, i, nil) }),
		Entry("JPEG with parameters", "Image/JPEG; charset=binary", func(b *bytes.Buffer, i image.Image) error { return jpeg.Encode(b, i, nil) }),
		Entry("GIF", "image/gif", func(b *bytes.Buffer, i image.Image) error { return gif.Encode(b, i, nil) }),
	)

	It("routes HEIC bytes to the HEIC decoder even when declared as PNG", func() {
		data := append([]byte("\x00\x00\x00\x18ftypheic"), bytes.Repeat([]byte{0}, 32)...)
		Expect(isHEIC(data)).To(BeTrue())

		_, err := PrepareImage(data, "image/png")
		Expect(err).To(MatchError(ContainSubstring("decoding HEIC/HEIF image")))
	})

	It("rejects an empty upload", func() {
		_, err := PrepareImage(nil, "image/png")
		Expect(err).To(MatchError(ContainSubstring("empty image")))
	})

	It("rejects bytes that are not an image", func() {
		_, err := PrepareImage([]byte("definitely not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})
})
