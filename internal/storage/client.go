package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/Gammanik/material-store/internal/api"
	"github.com/Gammanik/material-store/internal/material"
	"github.com/Gammanik/material-store/internal/utils"
)

// UploadOptions куда и как положить материал на сервере
type UploadOptions struct {
	Path      string // Пустой путь: сервер назовет файл по хешу
	Overwrite bool
}

// Client HTTP клиент сервера материалов
type Client struct {
	baseURL   string
	client    *http.Client
	chunkSize int
}

// New создает новый HTTP клиент. chunkSize задает размер кадров при загрузке.
func New(baseURL string, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = material.DefaultChunkSize
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{},
		chunkSize: chunkSize,
	}
}

// WithHTTPClient заменяет http.Client (например, для тестов)
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Upload передает метаданные и содержимое r потоком кадров
func (c *Client) Upload(ctx context.Context, meta material.Metadata, r io.Reader, opts UploadOptions) (material.Metadata, error) {
	q := url.Values{}
	if opts.Path != "" {
		q.Set("path", opts.Path)
	}
	if opts.Overwrite {
		q.Set("overwrite", "true")
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(encodeFrames(ctx, pw, material.NewFrameReader(meta, r, c.chunkSize)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/materials", q), pr)
	if err != nil {
		pr.Close()
		return material.Metadata{}, err
	}
	req.Header.Set("Content-Type", api.ContentTypeFrames)

	var out material.Metadata
	err = c.doJSON(req, http.StatusCreated, &out)
	pr.Close()
	return out, err
}

func encodeFrames(ctx context.Context, w io.Writer, src material.FrameSource) error {
	enc := msgpack.NewEncoder(w)
	for {
		f, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(&f); err != nil {
			return err
		}
	}
}

// Download скачивает материал в w и проверяет хеш полученных байтов
func (c *Client) Download(ctx context.Context, hash string, w io.Writer) (material.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/materials/"+url.PathEscape(hash)+"/stream", nil), nil)
	if err != nil {
		return material.Metadata{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return material.Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return material.Metadata{}, decodeError(resp)
	}

	dec := msgpack.NewDecoder(resp.Body)
	var first material.Frame
	if err := dec.Decode(&first); err != nil {
		return material.Metadata{}, errors.Wrap(err, "decode metadata frame")
	}
	if !first.IsMetadata() {
		return material.Metadata{}, errors.Wrap(material.ErrStructuralIngest, "first frame carries data")
	}
	meta := *first.Metadata

	hs := utils.NewHasher()
	out := io.MultiWriter(w, hs)
	for {
		var f material.Frame
		err := dec.Decode(&f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return meta, errors.Wrap(err, "decode data frame")
		}
		if f.IsMetadata() {
			return meta, errors.Wrap(material.ErrStructuralIngest, "metadata frame after data")
		}
		if _, err := out.Write(f.Data); err != nil {
			return meta, err
		}
	}

	// Проверяем целостность данных
	if got := hs.HexDigest(); got != meta.Hash {
		return meta, errors.Wrapf(material.ErrHashMismatch, "expected %s, got %s", meta.Hash, got)
	}
	return meta, nil
}

// Info возвращает метаданные; допускается сокращенный хеш
func (c *Client) Info(ctx context.Context, hash string) (material.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/materials/"+url.PathEscape(hash), nil), nil)
	if err != nil {
		return material.Metadata{}, err
	}
	var out material.Metadata
	return out, c.doJSON(req, http.StatusOK, &out)
}

// List возвращает хеши, начинающиеся с prefix (пустой prefix: все)
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/materials", q), nil)
	if err != nil {
		return nil, err
	}
	var out []string
	return out, c.doJSON(req, http.StatusOK, &out)
}

// Delete удаляет материал вместе с файлом
func (c *Client) Delete(ctx context.Context, hash string) error {
	return c.delete(ctx, hash, false)
}

// Unload снимает регистрацию, файл на сервере остается
func (c *Client) Unload(ctx context.Context, hash string) error {
	return c.delete(ctx, hash, true)
}

func (c *Client) delete(ctx context.Context, hash string, keepFile bool) error {
	q := url.Values{}
	if keepFile {
		q.Set("keep_file", strconv.FormatBool(true))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("/materials/"+url.PathEscape(hash), q), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, http.StatusNoContent, nil)
}

// Verify спрашивает сервер, не изменились ли байты материала
func (c *Client) Verify(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/materials/"+url.PathEscape(hash)+"/verify", nil), nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Intact bool `json:"intact"`
	}
	err = c.doJSON(req, http.StatusOK, &out)
	return out.Intact, err
}

// Health проверяет, что сервер отвечает
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/health", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) url(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) doJSON(req *http.Request, want int, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

// decodeError превращает ответ с ошибкой обратно в ошибку хранилища,
// чтобы вызывающий мог проверять ее через errors.Is
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var eb api.ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Kind != "" {
		if sentinel := api.ErrorForKind(eb.Kind); sentinel != nil {
			return errors.Wrapf(sentinel, "server: %s", eb.Error)
		}
		return fmt.Errorf("server error (%s): %s", eb.Kind, eb.Error)
	}
	return fmt.Errorf("request failed: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
