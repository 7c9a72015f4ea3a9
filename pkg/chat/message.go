package chat

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxText bounds the text of a single message.
const MaxText = 16 << 10

var errTooLong = errors.New("message too long")

// Message is one chat line. On the wire it is a single channel message
// "${len(sender)}${sender}${len(text)}${text}" with a uint8 sender length
// and a uint16 text length, both big-endian.
type Message struct {
	Sender string
	Text   string
}

// WriteMessage encodes m and sends it with a single Write, since the channel
// preserves message boundaries.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Sender) > 0xff {
		return errors.Wrap(errTooLong, "sender")
	}

	if len(m.Text) > MaxText {
		return errors.Wrap(errTooLong, "text")
	}

	buf := &bytes.Buffer{}

	if err := binary.Write(buf, binary.BigEndian, uint8(len(m.Sender))); err != nil {
		return err
	}

	buf.WriteString(m.Sender)

	if err := binary.Write(buf, binary.BigEndian, uint16(len(m.Text))); err != nil {
		return err
	}

	buf.WriteString(m.Text)

	_, err := w.Write(buf.Bytes())

	return err
}

// ReadMessage reads one channel message into buf and decodes it. buf must
// hold the largest message: 3 bytes of lengths, 255 of sender and MaxText.
func ReadMessage(r io.Reader, buf []byte) (Message, error) {
	n, err := r.Read(buf)
	if err != nil {
		return Message{}, err
	}

	return decode(buf[:n])
}

func decode(b []byte) (Message, error) {
	r := bytes.NewReader(b)

	var senderLen uint8

	if err := binary.Read(r, binary.BigEndian, &senderLen); err != nil {
		return Message{}, errors.Wrap(err, "sender length")
	}

	sender := make([]byte, senderLen)

	if err := binary.Read(r, binary.BigEndian, sender); err != nil {
		return Message{}, errors.Wrap(err, "sender")
	}

	var textLen uint16

	if err := binary.Read(r, binary.BigEndian, &textLen); err != nil {
		return Message{}, errors.Wrap(err, "text length")
	}

	text := make([]byte, textLen)

	if err := binary.Read(r, binary.BigEndian, text); err != nil {
		return Message{}, errors.Wrap(err, "text")
	}

	return Message{Sender: string(sender), Text: string(text)}, nil
}

func bufferSize() int {
	return 1 + 0xff + 2 + MaxText
}
