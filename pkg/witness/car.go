// Copyright 2026 The Ceramic Anchor Service Authors
//
// Minimal CARv1 (Content-Addressable aRchive) reader/writer (spec §4.6):
// a DAG-CBOR header naming the root CIDs, followed by a sequence of
// varint-length-prefixed (CID || block-bytes) sections. No pack example
// ships a CAR implementation, so this is hand-built on go-cid,
// go-multihash, fxamacker/cbor, and go-varint rather than pulling in the
// heavier go-merkledag/go-blockservice/go-datastore chain (see DESIGN.md).

package witness

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// carHeader is the DAG-CBOR object at the start of a CARv1 file.
type carHeader struct {
	Version int        `cbor:"version"`
	Roots   []cid.Cid  `cbor:"roots"`
}

// Block is one CID-addressed byte payload stored in a CAR.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// WriteCAR writes a CARv1 archive naming root as its single root CID, with
// blocks in the given order. The root's own block must be present in
// blocks for the archive to be self-describing.
func WriteCAR(w io.Writer, root cid.Cid, blocks []Block) error {
	header := carHeader{Version: 1, Roots: []cid.Cid{root}}
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		return fmt.Errorf("witness: encode car header: %w", err)
	}

	if err := writeSection(w, headerBytes); err != nil {
		return fmt.Errorf("witness: write car header: %w", err)
	}

	for _, b := range blocks {
		section := append(append([]byte{}, b.CID.Bytes()...), b.Data...)
		if err := writeSection(w, section); err != nil {
			return fmt.Errorf("witness: write block %s: %w", b.CID, err)
		}
	}

	return nil
}

func writeSection(w io.Writer, body []byte) error {
	lengthPrefix := varint.ToUvarint(uint64(len(body)))
	if _, err := w.Write(lengthPrefix); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadCAR parses a CARv1 archive, returning its declared roots and every
// block it contains in file order.
func ReadCAR(r io.Reader) (roots []cid.Cid, blocks []Block, err error) {
	headerBytes, err := readSection(r)
	if err != nil {
		return nil, nil, fmt.Errorf("witness: read car header: %w", err)
	}

	var header carHeader
	if err := cbor.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("witness: decode car header: %w", err)
	}
	if header.Version != 1 {
		return nil, nil, fmt.Errorf("witness: unsupported car version %d", header.Version)
	}

	for {
		section, err := readSection(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("witness: read car section: %w", err)
		}

		c, n, err := cid.CidFromBytes(section)
		if err != nil {
			return nil, nil, fmt.Errorf("witness: decode block cid: %w", err)
		}
		blocks = append(blocks, Block{CID: c, Data: section[n:]})
	}

	return header.Roots, blocks, nil
}

func readSection(r io.Reader) ([]byte, error) {
	length, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteReader adapts an io.Reader to io.ByteReader, which varint.ReadUvarint
// requires; most of our inputs (bytes.Buffer, bufio.Reader) already satisfy
// it, but CAR files may arrive over an arbitrary io.Reader.
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}
