package pd

import (
	"bytes"
	"encoding/gob"
	"log"
)

// Message is anything that can cross a process boundary.
type Message interface {
	Reset()
}

func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshal(msg Message) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

func Unmarshal(msg Message, data []byte) error {
	buf := bytes.NewBuffer(data)
	decoder := gob.NewDecoder(buf)
	return decoder.Decode(msg)
}

func MustUnmarshal(msg Message, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}
