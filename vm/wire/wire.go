// Package wire implements the on-disk and on-the-wire form of code blocks.
// Blocks are encoded as canonical CBOR so equal blocks always produce equal
// bytes and therefore equal content hashes.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/chazu/kiri/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the format version written into every encoded block.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Block is the encoded form of a vm.CodeBlock.
type Block struct {
	Version     uint8       `cbor:"1,keyasint"`
	ID          [16]byte    `cbor:"2,keyasint"`
	Name        string      `cbor:"3,keyasint,omitempty"`
	SourceName  string      `cbor:"4,keyasint,omitempty"`
	Code        []uint32    `cbor:"5,keyasint"`
	Consts      []Const     `cbor:"6,keyasint,omitempty"`
	NumRegs     int         `cbor:"7,keyasint"`
	SharedSizes []int       `cbor:"8,keyasint,omitempty"`
	Blocks      []Block     `cbor:"9,keyasint,omitempty"`
	SourceMap   []SourceLoc `cbor:"10,keyasint,omitempty"`
}

// Const is an encoded primitive constant.
type Const struct {
	Kind uint8   `cbor:"1,keyasint"`
	Int  int64   `cbor:"2,keyasint,omitempty"`
	Real float64 `cbor:"3,keyasint"`
	Str  []byte  `cbor:"4,keyasint,omitempty"`
}

// SourceLoc is an encoded source map entry.
type SourceLoc struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
	Column int `cbor:"3,keyasint"`
}

// ---------------------------------------------------------------------------
// vm.CodeBlock <-> Block
// ---------------------------------------------------------------------------

// FromCodeBlock converts a code block. Object constants cannot be encoded.
func FromCodeBlock(cb *vm.CodeBlock) (Block, error) {
	b := Block{
		Version:     Version,
		ID:          cb.ID,
		Name:        cb.Name,
		SourceName:  cb.SourceName,
		Code:        cb.Code,
		NumRegs:     cb.NumRegs,
		SharedSizes: cb.SharedSizes,
	}
	for i, c := range cb.Consts {
		ec, err := encodeConst(c)
		if err != nil {
			return Block{}, fmt.Errorf("wire: %s: constant %d: %w", cb, i, err)
		}
		b.Consts = append(b.Consts, ec)
	}
	for _, sub := range cb.Blocks {
		eb, err := FromCodeBlock(sub)
		if err != nil {
			return Block{}, err
		}
		b.Blocks = append(b.Blocks, eb)
	}
	for _, loc := range cb.SourceMap {
		b.SourceMap = append(b.SourceMap, SourceLoc(loc))
	}
	return b, nil
}

// CodeBlock converts back to a vm.CodeBlock.
func (b Block) CodeBlock() (*vm.CodeBlock, error) {
	if b.Version != Version {
		return nil, fmt.Errorf("wire: unsupported version %d", b.Version)
	}
	cb := &vm.CodeBlock{
		ID:          uuid.UUID(b.ID),
		Name:        b.Name,
		SourceName:  b.SourceName,
		Code:        b.Code,
		NumRegs:     b.NumRegs,
		NestLevel:   len(b.SharedSizes),
		SharedSizes: b.SharedSizes,
	}
	for i, c := range b.Consts {
		v, err := decodeConst(c)
		if err != nil {
			return nil, fmt.Errorf("wire: %s: constant %d: %w", b.Name, i, err)
		}
		cb.Consts = append(cb.Consts, v)
	}
	for _, sub := range b.Blocks {
		sc, err := sub.CodeBlock()
		if err != nil {
			return nil, err
		}
		cb.Blocks = append(cb.Blocks, sc)
	}
	for _, loc := range b.SourceMap {
		cb.SourceMap = append(cb.SourceMap, vm.SourceLoc(loc))
	}
	return cb, nil
}

func encodeConst(v vm.Value) (Const, error) {
	c := Const{Kind: uint8(v.Kind())}
	switch v.Kind() {
	case vm.KindVoid:
	case vm.KindBoolean:
		if v.Bool() {
			c.Int = 1
		}
	case vm.KindInteger:
		c.Int = v.Int()
	case vm.KindReal:
		c.Real = v.Real()
	case vm.KindString:
		c.Str = []byte(v.Str())
	case vm.KindOctet:
		c.Str = v.Octet()
	default:
		return Const{}, fmt.Errorf("%s constants cannot be encoded", v.Kind())
	}
	return c, nil
}

func decodeConst(c Const) (vm.Value, error) {
	switch vm.Kind(c.Kind) {
	case vm.KindVoid:
		return vm.Void, nil
	case vm.KindBoolean:
		return vm.FromBool(c.Int != 0), nil
	case vm.KindInteger:
		return vm.FromInt(c.Int), nil
	case vm.KindReal:
		return vm.FromReal(c.Real), nil
	case vm.KindString:
		return vm.FromString(string(c.Str)), nil
	case vm.KindOctet:
		return vm.FromOctet(c.Str), nil
	}
	return vm.Void, fmt.Errorf("unknown constant kind %d", c.Kind)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal encodes a code block.
func Marshal(cb *vm.CodeBlock) ([]byte, error) {
	b, err := FromCodeBlock(cb)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(b)
}

// Unmarshal decodes a code block and validates it.
func Unmarshal(data []byte) (*vm.CodeBlock, error) {
	var b Block
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("wire: unmarshal block: %w", err)
	}
	cb, err := b.CodeBlock()
	if err != nil {
		return nil, err
	}
	if err := cb.Validate(); err != nil {
		return nil, fmt.Errorf("wire: invalid block: %w", err)
	}
	return cb, nil
}

// Hash returns the content hash of a code block. Block identities are left
// out, so recompiling identical code yields the same hash.
func Hash(cb *vm.CodeBlock) ([32]byte, error) {
	b, err := FromCodeBlock(cb)
	if err != nil {
		return [32]byte{}, err
	}
	clearIDs(&b)
	data, err := cborEncMode.Marshal(b)
	if err != nil {
		return [32]byte{}, fmt.Errorf("wire: hash: %w", err)
	}
	return sha256.Sum256(data), nil
}

// HashString renders a hash the way the cache keys blocks.
func HashString(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

func clearIDs(b *Block) {
	b.ID = [16]byte{}
	for i := range b.Blocks {
		clearIDs(&b.Blocks[i])
	}
}
