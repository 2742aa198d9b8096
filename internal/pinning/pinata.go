package pinning

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"staychain/pkg/apperror"

	"github.com/rs/zerolog"
	"gopkg.in/h2non/gentleman.v2"
	"gopkg.in/h2non/gentleman.v2/plugins/timeout"
)

const pinFilePath = "/pinning/pinFileToIPFS"

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// PinataClient uploads to a Pinata-compatible pinning API.
type PinataClient struct {
	cli    *gentleman.Client
	jwt    string
	prefix string
	log    zerolog.Logger
}

func NewPinataClient(endpoint, jwt, prefix string, requestTimeout time.Duration, log zerolog.Logger) *PinataClient {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	cli := gentleman.New().URL(strings.TrimRight(endpoint, "/"))
	cli.Use(timeout.Request(requestTimeout))
	return &PinataClient{cli: cli, jwt: jwt, prefix: prefix, log: log}
}

func (p *PinataClient) Store(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("empty upload"))
	}
	if err := ctx.Err(); err != nil {
		return "", apperror.ErrStorageUnavailable(err)
	}

	body, contentType, err := formBody("file", "listing-image", data)
	if err != nil {
		return "", apperror.ErrStorageUnavailable(err)
	}

	req := p.cli.Post()
	req.Path(pinFilePath)
	req.SetHeader("Authorization", "Bearer "+p.jwt)
	req.SetHeader("Content-Type", contentType)
	req.Body(bytes.NewReader(body))

	start := time.Now()
	resp, err := p.send(ctx, req)
	if err != nil {
		p.log.Warn().Err(err).Msg("pinning request failed")
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("pin file: %w", err))
	}
	defer resp.Close()
	if !resp.Ok {
		p.log.Warn().Int("status", resp.StatusCode).Msg("pinning service rejected upload")
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("pin file: http %d: %s", resp.StatusCode, resp.String()))
	}

	var out pinResponse
	if err := resp.JSON(&out); err != nil {
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("decode pin response: %w", err))
	}
	if strings.TrimSpace(out.IpfsHash) == "" {
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("pin response has no hash"))
	}

	locator := p.prefix + out.IpfsHash
	p.log.Info().
		Str("locator", locator).
		Int64("pin_size", out.PinSize).
		Str("content_type", sniff(data)).
		Dur("elapsed", time.Since(start)).
		Msg("image pinned")
	return locator, nil
}

type sendResult struct {
	resp *gentleman.Response
	err  error
}

// send returns as soon as ctx is done. An abandoned request keeps running
// until the client timeout plugin ends it, and its response is then closed.
func (p *PinataClient) send(ctx context.Context, req *gentleman.Request) (*gentleman.Response, error) {
	done := make(chan sendResult, 1)
	go func() {
		resp, err := req.Send()
		done <- sendResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.resp != nil {
				_ = r.resp.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func formBody(field, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pinataMetadata", fmt.Sprintf(`{"name":%q}`, filename)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sniff(data []byte) string {
	return http.DetectContentType(data)
}
