package consumer

import (
	"bufio"
	"io"
	"strings"
)

// eventReader splits a text/event-stream body into event payloads. Only data fields
// are kept; comments and the event, id and retry fields are skipped.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

// Next returns the data of the next complete event. Multiple data lines are joined
// with a newline. It returns io.EOF when the stream ends, dropping any partial event.
func (er *eventReader) Next() (string, error) {
	var (
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := er.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				return data.String(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
	}
}
