package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/events"
)

// SubscribeEvents streams daemon events until ctx is done or the daemon
// closes the stream. The channel is closed then. names narrows the stream
// to those events; a name ending in "." selects a whole family.
func (c *Client) SubscribeEvents(ctx context.Context, names ...string) <-chan events.Event {
	out := make(chan events.Event, 16)

	go func() {
		defer close(out)

		q := url.Values{}
		for _, n := range names {
			q.Add("name", n)
		}
		target := "http://unix/events"
		if len(q) > 0 {
			target += "?" + q.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			logrus.WithError(err).Error("failed to create event request")
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithError(err).Error("failed to subscribe to events")
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			logrus.WithField("statusCode", resp.StatusCode).Error("event stream refused")
			return
		}

		readEvents(ctx, resp.Body, out)
	}()

	return out
}

// readEvents parses a server-sent event stream into out.
func readEvents(ctx context.Context, r io.Reader, out chan<- events.Event) {
	sc := bufio.NewScanner(r)
	var name string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				ev := events.Event{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Debug("event stream ended")
	}
}
