package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// MIMEMsgPack is the content type of MessagePack request and response
// bodies. Managers prefer it for large result batches.
const MIMEMsgPack = "application/msgpack"

// payloadBinder binds JSON or MessagePack request bodies based on the
// Content-Type header.
type payloadBinder struct {
	fallback echo.DefaultBinder
}

func (b *payloadBinder) Bind(i interface{}, c echo.Context) error {
	req := c.Request()
	ctype := req.Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ctype, MIMEMsgPack) {
		if err := b.fallback.BindPathParams(c, i); err != nil {
			return err
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}
		if len(body) == 0 {
			return nil
		}
		if err := msgpack.Unmarshal(body, i); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed msgpack body")
		}
		return nil
	}
	return b.fallback.Bind(i, c)
}

// respond writes the response as MessagePack when the client asks for it,
// JSON otherwise.
func respond(c echo.Context, code int, v interface{}) error {
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), MIMEMsgPack) {
		blob, err := msgpack.Marshal(v)
		if err != nil {
			return err
		}
		return c.Blob(code, MIMEMsgPack, blob)
	}
	return c.JSON(code, v)
}
