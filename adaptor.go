package h2client

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// ClientOpts defines the options of the fasthttp adaptor.
type ClientOpts struct {
	// ConnOpts are applied to every dialed connection.
	ConnOpts ConnOpts
}

// ConfigureClient configures the fasthttp.HostClient to run over HTTP/2.
func ConfigureClient(hc *fasthttp.HostClient, opts ClientOpts) error {
	emptyServerName := hc.TLSConfig != nil && len(hc.TLSConfig.ServerName) == 0

	d := &Dialer{
		Addr:      hc.Addr,
		TLSConfig: hc.TLSConfig,
	}

	c, err := d.Dial(opts.ConnOpts)
	if err != nil {
		if err == ErrServerSupport && hc.TLSConfig != nil { // remove added config settings
			for i := range hc.TLSConfig.NextProtos {
				if hc.TLSConfig.NextProtos[i] == H2TLSProto {
					hc.TLSConfig.NextProtos = append(
						hc.TLSConfig.NextProtos[:i], hc.TLSConfig.NextProtos[i+1:]...)
				}
			}

			if emptyServerName {
				hc.TLSConfig.ServerName = ""
			}
		}

		return err
	}

	hc.IsTLS = true
	hc.TLSConfig = d.TLSConfig

	t := &transport{
		d:    d,
		opts: opts,
		c:    c,
	}

	hc.Transport = t

	return nil
}

// transport drives fasthttp requests over a single HTTP/2 connection,
// redialing after the connection fails.
type transport struct {
	mu   sync.Mutex
	d    *Dialer
	opts ClientOpts
	c    *Conn
}

func (t *transport) conn() (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.c != nil && !t.c.Closed() {
		return t.c, nil
	}

	c, err := t.d.Dial(t.opts.ConnOpts)
	if err != nil {
		return nil, err
	}

	t.c = c

	return c, nil
}

// RoundTrip implements fasthttp.RoundTripper: it performs the request
// over HTTP/2 and fills in the response.
func (t *transport) RoundTrip(hc *fasthttp.HostClient, req *fasthttp.Request, res *fasthttp.Response) (bool, error) {
	c, err := t.conn()
	if err != nil {
		return false, err
	}

	hasBody := len(req.Body()) != 0

	fields := requestFields(req)
	defer ReleaseHeaderFields(fields)

	strm, err := c.StartStream(fields, !hasBody)
	if err != nil {
		return false, err
	}
	defer strm.Close()

	if hasBody {
		if err := strm.SendData(req.Body(), true); err != nil {
			return false, err
		}
	}

	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)

	for {
		ev, err := strm.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				res.SetBody(body.B)
				return false, nil
			}

			return false, err
		}

		switch ev.Type() {
		case EventHeaders:
			readResponseHeaders(ev.Headers(), res)
			ReleaseHeaderFields(ev.Headers())
		case EventData:
			_, _ = body.Write(ev.Data())
		}
	}
}

// requestFields builds the header list of the request: the pseudo
// headers first, then the regular ones lowercased.
func requestFields(req *fasthttp.Request) []*HeaderField {
	var fields []*HeaderField

	add := func(k, v []byte) {
		hf := AcquireHeaderField()
		hf.SetBytes(k, v)
		fields = append(fields, hf)
	}

	add(StringAuthority, req.URI().Host())
	add(StringMethod, req.Header.Method())
	add(StringPath, req.URI().RequestURI())
	add(StringScheme, req.URI().Scheme())
	add(StringUserAgent, req.Header.UserAgent())

	req.Header.VisitAll(func(k, v []byte) {
		if bytes.EqualFold(k, StringUserAgent) ||
			bytes.EqualFold(k, []byte(fasthttp.HeaderHost)) ||
			bytes.EqualFold(k, []byte(fasthttp.HeaderConnection)) {
			return
		}

		add(ToLower(append([]byte(nil), k...)), v)
	})

	return fields
}

func readResponseHeaders(hfs []*HeaderField, res *fasthttp.Response) {
	for _, hf := range hfs {
		if hf.IsPseudo() {
			if len(hf.KeyBytes()) > 1 && hf.KeyBytes()[1] == 's' { // status
				n, err := strconv.ParseInt(hf.Value(), 10, 64)
				if err == nil {
					res.SetStatusCode(int(n))
				}
			}

			continue
		}

		if bytes.Equal(hf.KeyBytes(), StringContentLength) {
			n, _ := strconv.Atoi(hf.Value())
			res.Header.SetContentLength(n)
		} else {
			res.Header.AddBytesKV(hf.KeyBytes(), hf.ValueBytes())
		}
	}
}
