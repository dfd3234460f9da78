package cstable_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/bsm/cstable"
	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var file *memFile
	var subject *cstable.Reader

	BeforeEach(func() {
		var err error
		file = seedContainer(100, nil)
		subject, err = file.Reader()
		Expect(err).NotTo(HaveOccurred())
	})

	open := func(data []byte, o *cstable.ReaderOptions) (*cstable.Reader, error) {
		return cstable.NewReader(bytes.NewReader(data), int64(len(data)), o)
	}

	It("should read info", func() {
		Expect(subject.Version()).To(Equal(cstable.Version2))
		Expect(subject.Transaction()).To(Equal(uint64(1)))
		Expect(subject.NumRecords()).To(Equal(uint64(100)))
		Expect(subject.ColumnNames()).To(Equal([]string{
			"id",
			"name",
			"tags",
			"addr.city",
			"addr.zip",
			"events.kind",
			"events.at",
			"events.score",
			"events.labels",
			"events.ok",
			"delta",
		}))
		Expect(subject.HasColumn("tags")).To(BeTrue())
		Expect(subject.HasColumn("addr")).To(BeFalse())
	})

	It("should retrieve columns", func() {
		info, err := subject.Column("addr.zip")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ID).To(Equal(uint32(5)))
		Expect(info.Type).To(Equal(cstable.TypeUint))
		Expect(info.Encoding).To(Equal(cstable.UInt32Plain))
		Expect(info.Levels()).To(Equal(cstable.Levels{R: 0, D: 2}))
		Expect(info.BodySize).To(BeNumerically(">", 0))

		_, err = subject.Column("addr.street")
		Expect(err).To(MatchErrorOf(cstable.ErrNotFound))
		_, err = subject.ColumnReader("addr.street")
		Expect(err).To(MatchError(`cstable: not found: column "addr.street"`))
	})

	It("should account for v1 bodies", func() {
		file := seedContainer(100, &cstable.WriterOptions{Version: cstable.Version1, PageSize: 128})
		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Version()).To(Equal(cstable.Version1))
		Expect(reader.Transaction()).To(Equal(uint64(0)))
		Expect(reader.NumRecords()).To(Equal(uint64(100)))

		size := uint64(26)
		for _, c := range reader.Columns() {
			size += 32 + uint64(len(c.Name))
		}
		for _, c := range reader.Columns() {
			Expect(c.BodyOffset).To(Equal(size), "for %s", c.Name)
			size += c.BodySize
		}
		Expect(size).To(Equal(uint64(file.Len())))
	})

	It("should reject bad magic", func() {
		data := file.Bytes()
		data[0] = 0x24
		_, err := open(data, nil)
		Expect(err).To(MatchError(`cstable: invalid container: bad magic byte sequence`))
	})

	It("should reject unknown versions", func() {
		data := file.Bytes()
		data[4] = 9
		_, err := open(data, nil)
		Expect(err).To(MatchError(`cstable: invalid container: unsupported version 9`))
	})

	It("should reject truncated containers", func() {
		data := file.Bytes()
		_, err := open(data[:3], nil)
		Expect(err).To(MatchErrorOf(cstable.ErrInvalidContainer))
		_, err = open(data[:600], nil)
		Expect(err).To(MatchErrorOf(cstable.ErrInvalidContainer))

		data = seedContainer(10, &cstable.WriterOptions{Version: cstable.Version1}).Bytes()
		_, err = open(data[:len(data)-1], nil)
		Expect(err).To(MatchErrorOf(cstable.ErrInvalidContainer))
	})

	It("should reject uncommitted containers", func() {
		data := file.Bytes()
		copy(data[26:106], make([]byte, 80))
		_, err := open(data, nil)
		Expect(err).To(MatchError(`cstable: invalid container: no valid metablock`))
	})

	It("should fall back to the previous transaction", func() {
		file := new(memFile)
		w, err := cstable.NewWriter(file, testSchema(), &cstable.WriterOptions{PageSize: 256})
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 50; i++ {
			Expect(w.AddRecord(seedRecord(i))).To(Succeed())
		}
		Expect(w.Commit()).To(Succeed())
		for i := 50; i < 80; i++ {
			Expect(w.AddRecord(seedRecord(i))).To(Succeed())
		}
		Expect(w.Close()).To(Succeed())

		latest, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Transaction()).To(Equal(uint64(2)))
		Expect(latest.NumRecords()).To(Equal(uint64(80)))

		// txid 2 is stored in slot 0
		data := file.Bytes()
		data[30] ^= 0xff

		var logs bytes.Buffer
		reader, err := open(data, &cstable.ReaderOptions{Logger: log.NewLogfmtLogger(&logs)})
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Transaction()).To(Equal(uint64(1)))
		Expect(reader.NumRecords()).To(Equal(uint64(50)))
		Expect(reader.ID()).To(Equal(latest.ID()))
		Expect(logs.String()).To(ContainSubstring(`msg="ignoring invalid metablock" slot=0 txid=1`))
		Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, 50)))
	})

	It("should reject corrupt levels", func() {
		schema := mustSchema(cstable.Field{ID: 1, Name: "ev", Type: cstable.TypeObject, Repeated: true, Fields: []cstable.Field{
			{ID: 1, Name: "l", Type: cstable.TypeString, Repeated: true},
		}})

		file := new(memFile)
		w, err := cstable.NewWriter(file, schema, &cstable.WriterOptions{Version: cstable.Version1, Compression: cstable.NoCompression})
		Expect(err).NotTo(HaveOccurred())
		Expect(w.AddRecord(cstable.Record{
			cstable.Object(1, cstable.Scalar(1, cstable.StringValue("x"))),
		})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		info, err := reader.Column("ev.l")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Levels()).To(Equal(cstable.Levels{R: 2, D: 2}))

		// nchunks, size, count, width, packed repetition levels
		off := int(info.BodyOffset)
		Expect(file.Bytes()[off : off+4]).To(Equal([]byte{1, 35, 1, 2}))

		corrupt := func(pos int, b byte) *cstable.Reader {
			data := file.Bytes()
			data[off+pos] = b
			reader, err := open(data, nil)
			Expect(err).NotTo(HaveOccurred())
			return reader
		}

		// level exceeds the column maximum
		reader = corrupt(4, 0xff)
		col, err := reader.ColumnReader("ev.l")
		Expect(err).NotTo(HaveOccurred())
		_, err = col.Next()
		Expect(err).To(MatchErrorOf(cstable.ErrIllegalState))

		m, err := cstable.NewMaterializer(reader, schema)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Next()
		Expect(err).To(MatchErrorOf(cstable.ErrIllegalState))

		// bit width exceeds the column maximum
		reader = corrupt(3, 3)
		col, err = reader.ColumnReader("ev.l")
		Expect(err).NotTo(HaveOccurred())
		_, err = col.Next()
		Expect(err).To(MatchErrorOf(cstable.ErrIllegalState))
	})

	It("should locate v1 chunks behind padded varints", func() {
		schema := mustSchema(cstable.Field{ID: 1, Name: "id", Type: cstable.TypeUint})

		file := new(memFile)
		w, err := cstable.NewWriter(file, schema, &cstable.WriterOptions{Version: cstable.Version1, Compression: cstable.NoCompression})
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 5; i++ {
			Expect(w.AddRecord(cstable.Record{cstable.Scalar(1, cstable.UintValue(uint64(i)))})).To(Succeed())
		}
		Expect(w.Close()).To(Succeed())

		// header: 26 bytes, followed by a single column descriptor ending
		// with BODY_SIZE at 52; the body starts at 60 with the chunk counts
		// of the repetition, definition and value streams
		data := file.Bytes()
		Expect(data[60:63]).To(Equal([]byte{0, 0, 1}))

		// re-encode the value chunk count as a two-byte varint
		padded := append(append(append([]byte(nil), data[:62]...), 0x81, 0x00), data[63:]...)
		binary.LittleEndian.PutUint64(padded[52:], binary.LittleEndian.Uint64(data[52:])+1)

		reader, err := open(padded, nil)
		Expect(err).NotTo(HaveOccurred())
		info, err := reader.Column("id")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.BodyOffset).To(Equal(uint64(60)))

		col, err := reader.ColumnReader("id")
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 5; i++ {
			Expect(col.Next()).To(Equal(cstable.LevelEntry{Value: cstable.UintValue(uint64(i))}))
		}
		Expect(materializeAll(reader, schema)).To(Equal([]cstable.Record{
			{cstable.Scalar(1, cstable.UintValue(0))},
			{cstable.Scalar(1, cstable.UintValue(1))},
			{cstable.Scalar(1, cstable.UintValue(2))},
			{cstable.Scalar(1, cstable.UintValue(3))},
			{cstable.Scalar(1, cstable.UintValue(4))},
		}))
	})

	It("should open files", func() {
		dir, err := os.MkdirTemp("", "cstable-test")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		fname := filepath.Join(dir, "test.cst")
		Expect(os.WriteFile(fname, file.Bytes(), 0o644)).To(Succeed())

		reader, err := cstable.OpenFile(fname, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.NumRecords()).To(Equal(uint64(100)))
		Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, 100)))
		Expect(reader.Close()).To(Succeed())

		_, err = cstable.OpenFile(filepath.Join(dir, "missing.cst"), nil)
		Expect(err).To(MatchErrorOf(cstable.ErrIO))
		Expect(err).To(MatchErrorOf(os.ErrNotExist))
	})
})
