/*
Package cstable implements a columnar storage container for nested
records.

Records conforming to a Schema are shredded into one column per leaf
field. Each column entry carries a repetition level (r) and a definition
level (d), which allow the Materializer to reassemble the original records
from any subset of columns.

Data Structure Documentation

Column

Each column is stored as three independent streams: repetition levels,
definition levels and values. Level streams are omitted when the
respective maximum level is zero and values are only stored for entries
where d equals the maximum definition level. Streams are split into
chunks, each chunk is individually compressed and terminated by a
single-byte compression type indicator.

    Chunk layout:
    +----------------+---------------------------------+------+---------------------------+
    | count (varint) | bit width (1-byte, packed only) | data | compression type (1-byte) |
    +----------------+---------------------------------+------+---------------------------+

Levels, booleans and UINT32_BITPACKED values are bit-packed in batches of
128 values. All other values are stored back-to-back.

Version 1

A version 1 container is written in a single commit. The header
addresses the body of each column directly.

    Container layout:
    +--------+-----------------+-----+-----------------+--------+-----+--------+
    | header | column header 1 | ... | column header n | body 1 | ... | body n |
    +--------+-----------------+-----+-----------------+--------+-----+--------+

    Header:
    +----------------------------+-------------------+-----------------+--------------------+-----------------------+
    | magic 0x17231723 (4 bytes) | version (2 bytes) | flags (8 bytes) | num rows (8 bytes) | num columns (4 bytes) |
    +----------------------------+-------------------+-----------------+--------------------+-----------------------+

    Column header:
    +-------------------------------------+-----------------------+------+----------------+----------------+-----------------------+---------------------+
    | type (2 bytes) + encoding (2 bytes) | name length (4 bytes) | name | rmax (4 bytes) | dmax (4 bytes) | body offset (8 bytes) | body size (8 bytes) |
    +-------------------------------------+-----------------------+------+----------------+----------------+-----------------------+---------------------+

    Body:
    +-------------------------+-------------------------+--------------+
    | repetition level chunks | definition level chunks | value chunks |
    +-------------------------+-------------------------+--------------+

Version 2

A version 2 container is paged. Each chunk is stored in its own
sector-aligned page. Pages are located through a page index which is
itself stored in a chain of pages. The root of the index is recorded in
one of two alternating metablocks, which makes commits atomic.

    Container layout:
    +--------+--------+-----+--------+--------------+-----+--------+-----+
    | header | page 1 | ... | page n | index page 1 | ... | page m | ... |
    +--------+--------+-----+--------+--------------+-----+--------+-----+

    Header:
    +-----------------+-------------------+-----------------+-----------------------+-----------------------------+
    | magic (4 bytes) | version (2 bytes) | flags (8 bytes) | sector size (4 bytes) | first page offset (8 bytes) |
    +-----------------+-------------------+-----------------+-----------------------+-----------------------------+
    +------------------------+------------------------+----------------------+----------------------+-----------------+
    | metablock A (40 bytes) | metablock B (40 bytes) | reserved (128 bytes) | num columns (varint) | column info ... |
    +------------------------+------------------------+----------------------+----------------------+-----------------+

    Column info:
    +---------------+-------------------+-------------+----------------------+------+---------------+---------------+
    | type (varint) | encoding (varint) | id (varint) | name length (varint) | name | rmax (varint) | dmax (varint) |
    +---------------+-------------------+-------------+----------------------+------+---------------+---------------+

The first 16 reserved bytes hold the container ID.
*/
package cstable
