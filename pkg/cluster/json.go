package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Custom errors.
var (
	ErrNotAnObject = errors.New("partitions must be a JSON object")
)

// UnmarshalJSON decodes a JSON object keeping the order of its keys. A
// duplicated key replaces the earlier value in place.
func (p *RawPartitions) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil

		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotAnObject
	}

	partitions := RawPartitions{}
	index := make(map[string]int)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected partition key %v", tok)
		}

		var partition RawPartition
		if err := dec.Decode(&partition); err != nil {
			return fmt.Errorf("failed to decode partition %s: %w", name, err)
		}

		if i, ok := index[name]; ok {
			partitions[i].Partition = partition

			continue
		}

		index[name] = len(partitions)
		partitions = append(partitions, NamedRawPartition{Name: name, Partition: partition})
	}

	// Consume closing delimiter
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = partitions

	return nil
}

// MarshalJSON encodes the partitions as a JSON object in order.
func (p RawPartitions) MarshalJSON() ([]byte, error) {
	return marshalOrdered(len(p), func(i int) (string, any) { return p[i].Name, p[i].Partition })
}

// MarshalJSON encodes the partitions as a JSON object in order.
func (p Partitions) MarshalJSON() ([]byte, error) {
	return marshalOrdered(len(p), func(i int) (string, any) { return p[i].Name, p[i].Partition })
}

// UnmarshalJSON decodes a JSON object of display partitions keeping the key order.
func (p *Partitions) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil

		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotAnObject
	}

	partitions := Partitions{}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected partition key %v", tok)
		}

		var partition Partition
		if err := dec.Decode(&partition); err != nil {
			return fmt.Errorf("failed to decode partition %s: %w", name, err)
		}

		partitions = append(partitions, NamedPartition{Name: name, Partition: partition})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = partitions

	return nil
}

func marshalOrdered(n int, item func(i int) (string, any)) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i := range n {
		name, value := item(i)

		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}

		val, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}
