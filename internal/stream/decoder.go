package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrMalformedEvent = errors.New("malformed event")

// Decoder reads events from a wire stream. A data line only counts when an
// event line precedes it in the same frame. The JSON "type" field decides
// the event; unknown types and unknown fields are ignored.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ends. A line cut
// off by the end of the stream is discarded.
func (d *Decoder) Next() (Event, error) {
	var pending string
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			pending = ""
		case strings.HasPrefix(line, "event:"):
			pending = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if pending == "" {
				continue
			}
			pending = ""
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			e, err := decode(data)
			if err != nil {
				return nil, err
			}
			if e != nil {
				return e, nil
			}
		}
	}
}

func decode(data string) (Event, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}

	var e Event
	switch gjson.Get(data, "type").String() {
	case TypeMessageStart:
		e = &MessageStart{}
	case TypeTextDelta:
		e = &TextDelta{}
	case TypeMessageStop:
		e = &MessageStop{}
	case TypeError:
		e = &Error{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal([]byte(data), e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return deref(e), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *MessageStart:
		return *v
	case *TextDelta:
		return *v
	case *MessageStop:
		return *v
	case *Error:
		return *v
	}
	return e
}
