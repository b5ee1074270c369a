// Package wire implements the batch wire format: a lossless, dtype-typed
// binary encoding for the column values a collater/preprocessor produces
// (ints, floats, strings, bytes, lists, maps, null, and multidimensional
// numeric arrays carrying shape+dtype+raw bytes). Grounded on the
// teacher's use of github.com/tinylib/msgp/msgp as a hand-driven (not
// code-generated) writer/reader of typed values — see ext/dsort/dsort.go's
// import of msgp alongside its own bespoke shard-building structures.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"bytes"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Kind tags a value's wire representation.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindArray // multidimensional numeric array: dtype + shape + raw bytes
)

// DType names the element type of an Array value.
type DType string

const (
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Float32 DType = "float32"
	Float64 DType = "float64"
	Uint8   DType = "uint8"
	Bool    DType = "bool"
)

// Array is a dense multidimensional numeric value: Shape describes the
// dimensions, Raw is the flat little-endian byte payload in row-major
// order, and DType says how to interpret each element of Raw.
type Array struct {
	DType DType
	Shape []int
	Raw   []byte
}

// Value is any single column entry. Exactly one of the typed fields is
// meaningful, selected by Kind; List/Map hold further Values so batches
// nest arbitrarily (a preprocessor column can itself be a list of dicts).
type Value struct {
	Kind   Kind
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	List   []Value
	Map    map[string]Value
	Array  Array
}

func Null() Value               { return Value{Kind: KindNull} }
func Int(v int64) Value         { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value     { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value     { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value      { return Value{Kind: KindBytes, Bytes: v} }
func List(v []Value) Value      { return Value{Kind: KindList, List: v} }
func Map(v map[string]Value) Value { return Value{Kind: KindMap, Map: v} }
func Nd(a Array) Value          { return Value{Kind: KindArray, Array: a} }

// Batch is the record-of-columns shape produced by the default collater
// (§4.4) and consumed by preprocessors; plus the metadata the spec
// requires C6 to attach (_lavender_data_indices, _lavender_data_current).
type Batch struct {
	Columns map[string]Value
	Indices []int64
	Current int64
}

// Encode serializes a Batch to the opaque byte string stored in the C1
// cache (spec §6, "Batch wire format"). The encoding is a thin envelope
// around msgp's raw writer primitives: every Value is tagged with its
// Kind byte before its payload so Decode never has to guess a type.
func Encode(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteInt64(b.Current); err != nil {
		return nil, err
	}
	if err := writeInt64Slice(w, b.Indices); err != nil {
		return nil, err
	}
	if err := w.WriteMapHeader(uint32(len(b.Columns))); err != nil {
		return nil, err
	}
	for name, v := range b.Columns {
		if err := w.WriteString(name); err != nil {
			return nil, err
		}
		if err := writeValue(w, v); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode; it returns a value equal to the
// original under the round-trip property required by spec §8.
func Decode(raw []byte) (*Batch, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	b := &Batch{}

	cur, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	b.Current = cur

	indices, err := readInt64Slice(r)
	if err != nil {
		return nil, err
	}
	b.Indices = indices

	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	b.Columns = make(map[string]Value, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		b.Columns[name] = v
	}
	return b, nil
}

func writeInt64Slice(w *msgp.Writer, s []int64) error {
	if err := w.WriteArrayHeader(uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := w.WriteInt64(v); err != nil {
			return err
		}
	}
	return nil
}

func readInt64Slice(r *msgp.Reader) ([]int64, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func writeValue(w *msgp.Writer, v Value) error {
	if err := w.WriteUint8(uint8(v.Kind)); err != nil {
		return err
	}
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return w.WriteInt64(v.Int)
	case KindFloat:
		return w.WriteFloat64(v.Float)
	case KindString:
		return w.WriteString(v.Str)
	case KindBytes:
		return w.WriteBytes(v.Bytes)
	case KindList:
		if err := w.WriteArrayHeader(uint32(len(v.List))); err != nil {
			return err
		}
		for _, item := range v.List {
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := w.WriteMapHeader(uint32(len(v.Map))); err != nil {
			return err
		}
		for k, item := range v.Map {
			if err := w.WriteString(k); err != nil {
				return err
			}
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	case KindArray:
		if err := w.WriteString(string(v.Array.DType)); err != nil {
			return err
		}
		if err := w.WriteArrayHeader(uint32(len(v.Array.Shape))); err != nil {
			return err
		}
		for _, d := range v.Array.Shape {
			if err := w.WriteInt(d); err != nil {
				return err
			}
		}
		return w.WriteBytes(v.Array.Raw)
	default:
		return fmt.Errorf("wire: unknown value kind %d", v.Kind)
	}
}

func readValue(r *msgp.Reader) (Value, error) {
	kb, err := r.ReadUint8()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kb)
	switch kind {
	case KindNull:
		return Null(), nil
	case KindInt:
		i, err := r.ReadInt64()
		return Int(i), err
	case KindFloat:
		f, err := r.ReadFloat64()
		return Float(f), err
	case KindString:
		s, err := r.ReadString()
		return String(s), err
	case KindBytes:
		b, err := r.ReadBytes(nil)
		return Bytes(b), err
	case KindList:
		n, err := r.ReadArrayHeader()
		if err != nil {
			return Value{}, err
		}
		list := make([]Value, n)
		for i := uint32(0); i < n; i++ {
			item, err := readValue(r)
			if err != nil {
				return Value{}, err
			}
			list[i] = item
		}
		return List(list), nil
	case KindMap:
		n, err := r.ReadMapHeader()
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.ReadString()
			if err != nil {
				return Value{}, err
			}
			v, err := readValue(r)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	case KindArray:
		dtype, err := r.ReadString()
		if err != nil {
			return Value{}, err
		}
		ndim, err := r.ReadArrayHeader()
		if err != nil {
			return Value{}, err
		}
		shape := make([]int, ndim)
		for i := uint32(0); i < ndim; i++ {
			d, err := r.ReadInt()
			if err != nil {
				return Value{}, err
			}
			shape[i] = d
		}
		raw, err := r.ReadBytes(nil)
		if err != nil {
			return Value{}, err
		}
		return Nd(Array{DType: DType(dtype), Shape: shape, Raw: raw}), nil
	default:
		return Value{}, fmt.Errorf("wire: unknown value kind %d", kind)
	}
}

// Decollate converts any single-element List value into its scalar
// element, recursively, matching C6 step 5 (batch_size == 0 case).
func Decollate(b *Batch) {
	for name, v := range b.Columns {
		b.Columns[name] = decollateValue(v)
	}
}

func decollateValue(v Value) Value {
	if v.Kind == KindList && len(v.List) == 1 {
		return decollateValue(v.List[0])
	}
	return v
}
