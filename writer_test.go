package cstable_test

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/bsm/cstable"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Writer", func() {
	var file *memFile
	var subject *cstable.Writer

	idSchema := func() *cstable.Schema {
		return mustSchema(cstable.Field{ID: fID, Name: "id", Type: cstable.TypeUint})
	}

	BeforeEach(func() {
		file = new(memFile)
	})

	AfterEach(func() {
		if subject != nil {
			_ = subject.Close()
		}
	})

	It("should write empty v1 containers", func() {
		var err error
		subject, err = cstable.NewWriter(file, idSchema(), &cstable.WriterOptions{Version: cstable.Version1})
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.ID()).To(Equal(uuid.Nil))
		Expect(subject.Close()).To(Succeed())

		Expect(file.Len()).To(Equal(63))
		Expect(file.Bytes()[:6]).To(Equal([]byte{0x23, 0x17, 0x23, 0x17, 1, 0}))
		Expect(file.syncs).To(Equal(1))

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Version()).To(Equal(cstable.Version1))
		Expect(reader.NumRecords()).To(Equal(uint64(0)))

		col, err := reader.ColumnReader("id")
		Expect(err).NotTo(HaveOccurred())
		Expect(col.EOF()).To(BeTrue())
	})

	It("should write empty v2 containers", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.ID()).NotTo(Equal(uuid.Nil))
		Expect(subject.Close()).To(Succeed())

		Expect(file.Len()).To(Equal(1024))
		Expect(file.Bytes()[:6]).To(Equal([]byte{0x23, 0x17, 0x23, 0x17, 2, 0}))

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Version()).To(Equal(cstable.Version2))
		Expect(reader.ID()).To(Equal(subject.ID()))
		Expect(reader.Transaction()).To(Equal(uint64(1)))
		Expect(reader.NumRecords()).To(Equal(uint64(0)))
		Expect(reader.ColumnNames()).To(HaveLen(11))
	})

	It("should align pages to sectors", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), &cstable.WriterOptions{SectorSize: 4096, PageSize: 256})
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 300; i++ {
			Expect(subject.AddRecord(seedRecord(i))).To(Succeed())
		}
		Expect(subject.Commit()).To(Succeed())
		Expect(file.Len() % 4096).To(Equal(0))
	})

	It("should write version 1 containers once", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), &cstable.WriterOptions{Version: cstable.Version1})
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.AddRecord(seedRecord(1))).To(Succeed())
		Expect(subject.Commit()).To(Succeed())

		Expect(subject.Commit()).To(MatchErrorOf(cstable.ErrIllegalState))
		Expect(subject.AddRecord(seedRecord(2))).To(MatchError(`cstable: illegal state: container is already committed`))
		Expect(subject.AddRows(1)).To(MatchErrorOf(cstable.ErrIllegalState))
		Expect(subject.NumRecords()).To(Equal(uint64(1)))
		Expect(subject.Close()).To(Succeed())
	})

	It("should commit repeatedly", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), &cstable.WriterOptions{PageSize: 256})
		Expect(err).NotTo(HaveOccurred())

		for tx := 0; tx < 3; tx++ {
			for i := tx * 100; i < (tx+1)*100; i++ {
				Expect(subject.AddRecord(seedRecord(i))).To(Succeed())
			}
			Expect(subject.Commit()).To(Succeed())

			reader, err := file.Reader()
			Expect(err).NotTo(HaveOccurred())
			Expect(reader.Transaction()).To(Equal(uint64(tx + 1)))
			Expect(reader.NumRecords()).To(Equal(uint64((tx + 1) * 100)))
			Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, (tx+1)*100)))
		}
	})

	It("should reject invalid records without side effects", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), nil)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 10; i++ {
			Expect(subject.AddRecord(seedRecord(i))).To(Succeed())
		}
		Expect(subject.Commit()).To(Succeed())
		committed := file.Bytes()

		Expect(subject.AddRecord(cstable.Record{
			cstable.Scalar(fID, cstable.UintValue(10)),
			cstable.Object(fEvents,
				cstable.Scalar(fEventKind, cstable.UintValue(8)),
				cstable.Scalar(fEventAt, cstable.DateTimeValue(testEpoch)),
			),
		})).To(MatchError(`cstable: illegal argument: field "events.kind" value 8 exceeds max value 7`))
		Expect(subject.NumRecords()).To(Equal(uint64(10)))
		Expect(file.Bytes()).To(Equal(committed))

		Expect(subject.AddRecord(seedRecord(10))).To(Succeed())
		Expect(subject.Close()).To(Succeed())

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, 11)))
	})

	It("should fail permanently on I/O errors", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.AddRecord(seedRecord(1))).To(Succeed())

		file.syncErr = errors.New("disk full")
		err = subject.Commit()
		Expect(err).To(MatchErrorOf(cstable.ErrIO))
		Expect(err.Error()).To(ContainSubstring("disk full"))

		file.syncErr = nil
		Expect(subject.AddRecord(seedRecord(2))).To(MatchErrorOf(cstable.ErrIO))
		Expect(subject.Commit()).To(MatchErrorOf(cstable.ErrIO))

		_, err = file.Reader()
		Expect(err).To(MatchErrorOf(cstable.ErrInvalidContainer))
	})

	It("should fail on header write errors", func() {
		file.writeErr = errors.New("read-only")
		_, err := cstable.NewWriter(file, testSchema(), nil)
		Expect(err).To(MatchErrorOf(cstable.ErrIO))
	})

	It("should accept rows written through column writers", func() {
		var err error
		subject, err = cstable.NewWriter(file, mustSchema(
			cstable.Field{ID: 1, Name: "id", Type: cstable.TypeUint},
			cstable.Field{ID: 2, Name: "tags", Type: cstable.TypeString, Repeated: true},
		), nil)
		Expect(err).NotTo(HaveOccurred())

		ids, err := subject.ColumnWriter("id")
		Expect(err).NotTo(HaveOccurred())
		tags, err := subject.ColumnWriter("tags")
		Expect(err).NotTo(HaveOccurred())

		Expect(ids.WriteUint(0, 0, 1)).To(Succeed())
		Expect(tags.WriteString(0, 1, "a")).To(Succeed())
		Expect(tags.WriteString(1, 1, "b")).To(Succeed())
		Expect(ids.WriteUint(0, 0, 2)).To(Succeed())
		Expect(tags.WriteNull(0, 0)).To(Succeed())
		Expect(subject.AddRows(2)).To(Succeed())
		Expect(subject.Close()).To(Succeed())

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(materializeAll(reader, subject.Schema())).To(Equal([]cstable.Record{
			{
				cstable.Scalar(1, cstable.UintValue(1)),
				cstable.Scalar(2, cstable.StringValue("a")),
				cstable.Scalar(2, cstable.StringValue("b")),
			},
			{
				cstable.Scalar(1, cstable.UintValue(2)),
			},
		}))
	})

	It("should fail when closed", func() {
		var err error
		subject, err = cstable.NewWriter(file, testSchema(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Close()).To(Succeed())

		Expect(subject.Close()).To(MatchError(`cstable: illegal state: is closed`))
		Expect(subject.AddRecord(seedRecord(1))).To(MatchErrorOf(cstable.ErrIllegalState))
		Expect(subject.Commit()).To(MatchErrorOf(cstable.ErrIllegalState))
	})

	It("should create files", func() {
		dir, err := os.MkdirTemp("", "cstable-test")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		fname := filepath.Join(dir, "test.cst")
		w, err := cstable.CreateFile(fname, testSchema(), nil)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 100; i++ {
			Expect(w.AddRecord(seedRecord(i))).To(Succeed())
		}
		Expect(w.Close()).To(Succeed())

		_, err = cstable.CreateFile(fname, testSchema(), nil)
		Expect(err).To(MatchErrorOf(cstable.ErrIO))
		Expect(err).To(MatchErrorOf(os.ErrExist))

		reader, err := cstable.OpenFile(fname, nil)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		Expect(reader.NumRecords()).To(Equal(uint64(100)))
		Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, 100)))
	})
})
