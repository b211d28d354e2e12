package receipt

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir, "http://localhost:8080/files/")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			key       string
			savedPath string
			err       error
		)

		BeforeEach(func() {
			key = "receipts/alice/receipt_r-1.jpg"
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(key, []byte("test file content"))
		})

		It("writes the object under nested directories", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(savedPath).To(Equal(key))
			Expect(filepath.Join(tmpDir, "receipts", "alice", "receipt_r-1.jpg")).To(BeAnExistingFile())
		})

		It("refuses to overwrite an existing object", func() {
			_, again := storage.Save(key, []byte("other"))
			Expect(again).To(MatchError(ContainSubstring("creating file")))

			data, _ := storage.Get(key)
			Expect(string(data)).To(Equal("test file content"))
		})

		When("the key tries to escape the base directory", func() {
			BeforeEach(func() {
				key = "../../outside.jpg"
			})

			It("keeps the object inside", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, "outside.jpg")).To(BeAnExistingFile())
			})
		})

		When("the key is empty", func() {
			BeforeEach(func() {
				key = ""
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage key")))
			})
		})
	})

	Describe("Get", func() {
		It("returns the stored bytes", func() {
			_, err := storage.Save("a/b.png", []byte("png"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get("a/b.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png"))
		})

		It("returns the error for a missing object", func() {
			_, err := storage.Get("nonexistent.jpg")
			Expect(err).To(MatchError(ContainSubstring("reading file")))
		})
	})

	Describe("Delete", func() {
		It("removes the object", func() {
			_, err := storage.Save("a/b.png", []byte("png"))
			Expect(err).NotTo(HaveOccurred())

			Expect(storage.Delete("a/b.png")).To(Succeed())
			Expect(filepath.Join(tmpDir, "a", "b.png")).NotTo(BeAnExistingFile())
		})

		It("returns the error for a missing object", func() {
			Expect(storage.Delete("nonexistent.jpg")).To(MatchError(ContainSubstring("deleting file")))
		})
	})

	Describe("URL", func() {
		It("joins the public prefix and escapes each segment", func() {
			Expect(storage.URL("receipts/alice smith/receipt_r-1.jpg")).To(Equal("http://localhost:8080/files/receipts/alice%20smith/receipt_r-1.jpg"))
		})
	})

	Describe("NewLocalStorage", func() {
		It("creates a missing directory", func() {
			storagePath := filepath.Join(GinkgoT().TempDir(), "receipts")
			_, err := NewLocalStorage(storagePath, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(storagePath).To(BeADirectory())
		})
	})
})
