package cstable_test

import (
	"io"

	"github.com/bsm/cstable"
	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("Materializer", func() {
	var reader *cstable.Reader

	BeforeEach(func() {
		var err error
		reader, err = seedContainer(200, &cstable.WriterOptions{PageSize: 256}).Reader()
		Expect(err).NotTo(HaveOccurred())
	})

	table.DescribeTable("should round-trip",
		func(version cstable.Version, compression cstable.Compression) {
			file := seedContainer(2000, &cstable.WriterOptions{
				Version:     version,
				Compression: compression,
				PageSize:    256,
			})
			reader, err := file.Reader()
			Expect(err).NotTo(HaveOccurred())
			Expect(reader.Version()).To(Equal(version))
			Expect(reader.NumRecords()).To(Equal(uint64(2000)))
			Expect(materializeAll(reader, testSchema())).To(Equal(seedRecords(0, 2000)))
		},

		table.Entry("v1/snappy", cstable.Version1, cstable.SnappyCompression),
		table.Entry("v1/none", cstable.Version1, cstable.NoCompression),
		table.Entry("v1/lz4", cstable.Version1, cstable.LZ4Compression),
		table.Entry("v1/zstd", cstable.Version1, cstable.ZstdCompression),
		table.Entry("v2/snappy", cstable.Version2, cstable.SnappyCompression),
		table.Entry("v2/none", cstable.Version2, cstable.NoCompression),
		table.Entry("v2/lz4", cstable.Version2, cstable.LZ4Compression),
		table.Entry("v2/zstd", cstable.Version2, cstable.ZstdCompression),
	)

	It("should reproduce scenario records", func() {
		schema := mustSchema(
			cstable.Field{ID: 1, Name: "id", Type: cstable.TypeUint, Encoding: cstable.UInt32BitPacked},
			cstable.Field{ID: 2, Name: "tags", Type: cstable.TypeString, Repeated: true},
			cstable.Field{ID: 3, Name: "addr", Type: cstable.TypeObject, Optional: true, Fields: []cstable.Field{
				{ID: 1, Name: "city", Type: cstable.TypeString, Optional: true},
			}},
		)
		records := []cstable.Record{
			{
				cstable.Scalar(1, cstable.UintValue(1)),
				cstable.Scalar(2, cstable.StringValue("a")),
				cstable.Scalar(2, cstable.StringValue("b")),
			},
			{
				cstable.Scalar(1, cstable.UintValue(2)),
			},
			{
				cstable.Scalar(1, cstable.UintValue(3)),
			},
			{
				cstable.Scalar(1, cstable.UintValue(4)),
				cstable.Object(3, cstable.Scalar(1, cstable.StringValue("X"))),
			},
		}

		file := new(memFile)
		w, err := cstable.NewWriter(file, schema, nil)
		Expect(err).NotTo(HaveOccurred())
		for _, rec := range records {
			Expect(w.AddRecord(rec)).To(Succeed())
		}
		Expect(w.Close()).To(Succeed())

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(materializeAll(reader, schema)).To(Equal(records))

		col, err := reader.ColumnReader("tags")
		Expect(err).NotTo(HaveOccurred())
		var entries []cstable.LevelEntry
		for !col.EOF() {
			e, err := col.Next()
			Expect(err).NotTo(HaveOccurred())
			entries = append(entries, e)
		}
		Expect(entries).To(Equal([]cstable.LevelEntry{
			{R: 0, D: 1, Value: cstable.StringValue("a")},
			{R: 1, D: 1, Value: cstable.StringValue("b")},
			{R: 0, D: 0},
			{R: 0, D: 0},
			{R: 0, D: 0},
		}))
	})

	It("should order siblings by field id", func() {
		schema := mustSchema(
			cstable.Field{ID: 2, Name: "b", Type: cstable.TypeString, Repeated: true},
			cstable.Field{ID: 3, Name: "obj", Type: cstable.TypeObject, Optional: true, Fields: []cstable.Field{
				{ID: 2, Name: "y", Type: cstable.TypeUint, Repeated: true},
				{ID: 1, Name: "x", Type: cstable.TypeUint, Repeated: true},
			}},
			cstable.Field{ID: 1, Name: "a", Type: cstable.TypeString, Repeated: true},
		)

		file := new(memFile)
		w, err := cstable.NewWriter(file, schema, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.AddRecord(cstable.Record{
			cstable.Object(3,
				cstable.Scalar(2, cstable.UintValue(20)),
				cstable.Scalar(1, cstable.UintValue(10)),
			),
			cstable.Scalar(2, cstable.StringValue("b")),
			cstable.Scalar(1, cstable.StringValue("a")),
		})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		reader, err := file.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.ColumnNames()).To(Equal([]string{"a", "b", "obj.x", "obj.y"}))
		Expect(materializeAll(reader, schema)).To(Equal([]cstable.Record{{
			cstable.Scalar(1, cstable.StringValue("a")),
			cstable.Scalar(2, cstable.StringValue("b")),
			cstable.Object(3,
				cstable.Scalar(1, cstable.UintValue(10)),
				cstable.Scalar(2, cstable.UintValue(20)),
			),
		}}))
	})

	It("should project columns", func() {
		expected := make([]cstable.Record, 0, 200)
		for i := 0; i < 200; i++ {
			rec := cstable.Record{cstable.Scalar(fID, cstable.UintValue(uint64(i)))}
			for j := 0; j < i%3; j++ {
				var labels []cstable.Item
				for k := 0; k < j; k++ {
					labels = append(labels, cstable.Scalar(fEventLabels, cstable.StringValue(seedLabel(k))))
				}
				rec = append(rec, cstable.Object(fEvents, labels...))
			}
			expected = append(expected, rec)
		}
		Expect(materializeAll(reader, testSchema(), "events.labels", "id")).To(Equal(expected))
	})

	It("should skip records", func() {
		m, err := cstable.NewMaterializer(reader, testSchema())
		Expect(err).NotTo(HaveOccurred())
		Expect(m.NumRecords()).To(Equal(uint64(200)))

		for i := 0; i < 200; i++ {
			if i%3 == 0 {
				Expect(m.Skip()).To(Succeed())
				continue
			}
			Expect(m.Next()).To(Equal(seedRecord(i)), "for %d", i)
		}

		_, err = m.Next()
		Expect(err).To(Equal(io.EOF))
		Expect(m.Skip()).To(Equal(io.EOF))
	})

	It("should skip unknown columns", func() {
		fields := testSchema().Fields()
		fields = append(fields, cstable.Field{ID: 7, Name: "extra", Type: cstable.TypeString, Optional: true})
		Expect(materializeAll(reader, mustSchema(fields...))).To(Equal(seedRecords(0, 200)))

		_, err := cstable.NewMaterializer(reader, mustSchema(fields...), "extra")
		Expect(err).To(MatchError(`cstable: not found: column "extra"`))
		_, err = cstable.NewMaterializer(reader, testSchema(), "missing")
		Expect(err).To(MatchErrorOf(cstable.ErrNotFound))
	})

	It("should reject incompatible schemas", func() {
		_, err := cstable.NewMaterializer(reader, mustSchema(
			cstable.Field{ID: fID, Name: "id", Type: cstable.TypeInt},
		))
		Expect(err).To(MatchError(`cstable: illegal argument: column "id" does not match the schema`))

		_, err = cstable.NewMaterializer(reader, mustSchema(
			cstable.Field{ID: fTags, Name: "tags", Type: cstable.TypeString, Optional: true},
		))
		Expect(err).To(MatchErrorOf(cstable.ErrIllegalArgument))
	})
})
