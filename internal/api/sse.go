package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// streamEvents pushes the owner's status updates as server-sent
// events. The stream opens with an INIT snapshot and closes when the
// client disconnects or the subscription expires.
func (s *Server) streamEvents(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	sub, err := s.svc.Subscribe(c.Request().Context(), owner)
	if err != nil {
		return httpError(err)
	}
	defer s.hub.Close(sub)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	for ev := range sub.Events() {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			s.log.Error(err, "failed to encode status event", "ownerID", owner)
			continue
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
			return nil
		}
		resp.Flush()
	}
	return nil
}
