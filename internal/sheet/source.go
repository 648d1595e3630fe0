package sheet

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
)

// Document is an uploaded file read fully into memory.
type Document struct {
	Name string
	Size int64
	Data []byte
}

// IsWorkbook reports whether the document should be parsed as XLSX.
func (d *Document) IsWorkbook() bool {
	return strings.EqualFold(filepath.Ext(d.Name), ".xlsx")
}

// LoadOptions configures document retrieval.
type LoadOptions struct {
	FTPTimeout time.Duration
	// MaxBytes caps the document size; 0 means no limit.
	MaxBytes int64
}

// Load reads a document from a local path or an ftp:// URL.
func Load(ctx context.Context, location string, opts LoadOptions) (*Document, error) {
	if strings.HasPrefix(strings.ToLower(location), "ftp://") {
		return loadFTP(ctx, location, opts)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: open %s", location)
	}
	defer f.Close() //nolint:errcheck

	data, err := readLimited(f, opts.MaxBytes)
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: read %s", location)
	}

	return &Document{
		Name: filepath.Base(location),
		Size: int64(len(data)),
		Data: data,
	}, nil
}

// Sections splits a document into sections, dispatching on its format.
func Sections(doc *Document) ([]model.FileSection, error) {
	if doc.IsWorkbook() {
		return SplitWorkbook(doc.Data)
	}
	return Split(string(doc.Data)), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, eris.Errorf("document exceeds %d bytes", limit)
	}
	return data, nil
}

// parseFTPURL extracts host (with port), path, and credentials from an FTP URL.
func parseFTPURL(rawURL string) (host, filePath, user, pass string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	filePath = u.Path
	if filePath == "" || filePath == "/" {
		return "", "", "", "", eris.New("empty path in ftp url")
	}

	user, pass = "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	return host, filePath, user, pass, nil
}

func loadFTP(ctx context.Context, rawURL string, opts LoadOptions) (*Document, error) {
	host, filePath, user, pass, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: load ftp")
	}

	timeout := opts.FTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	zap.L().Debug("sheet: ftp connecting", zap.String("host", host), zap.String("path", filePath))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "sheet: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return nil, eris.Wrap(err, "sheet: ftp login")
	}

	resp, err := conn.Retr(filePath)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	data, err := readLimited(resp, opts.MaxBytes)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: ftp read")
	}

	return &Document{
		Name: path.Base(filePath),
		Size: int64(len(data)),
		Data: data,
	}, nil
}
