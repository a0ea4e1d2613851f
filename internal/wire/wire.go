// Package wire frames the two messages exchanged on a relay connection: the
// signed descriptor header that precedes the payload and the completion report
// that travels back once the child has finished.
package wire

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/InsulaLabs/lantorrent/pkg/models"
)

const (
	DefaultMaxHeaderLength = 1 << 20
	DefaultMaxReportLength = 8 << 20
)

var errLineTooLong = errors.New("line too long")

// Signer computes and checks the keyed hash that authenticates a header.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(data []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), got)
}

// WriteHeader sends the descriptor line followed by its signature line.
func WriteHeader(w io.Writer, signer *Signer, td *models.TransferDescriptor) error {
	body, err := json.Marshal(td)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 2*sha256.Size + 2)
	buf.Write(body)
	buf.WriteByte('\n')
	buf.WriteString(signer.Sign(body))
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

// ReadHeader reads and authenticates a header. Every error it returns is a
// *models.Error: HEADER_TOO_LONG, ACCESS_DENIED, HEADER_MISSING_FIELD or
// CONNECTION_ERROR when the stream breaks before the header is complete.
// Payload bytes buffered by r past the header are left for the caller.
func ReadHeader(r *bufio.Reader, signer *Signer, maxLen int) (*models.TransferDescriptor, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxHeaderLength
	}
	body, err := readLine(r, maxLen)
	if err != nil {
		return nil, headerReadError(err, maxLen)
	}
	sig, err := readLine(r, 2*sha256.Size+2)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return nil, models.NewError(models.CodeAccessDenied, "malformed signature")
		}
		return nil, headerReadError(err, maxLen)
	}
	if !signer.Verify(body, string(bytes.TrimSpace(sig))) {
		return nil, models.NewError(models.CodeAccessDenied, "header signature does not verify")
	}

	var td models.TransferDescriptor
	if err := json.Unmarshal(body, &td); err != nil {
		return nil, models.NewError(models.CodeHeaderMissingField, "undecodable header: %v", err)
	}
	if err := td.Validate(); err != nil {
		return nil, err
	}
	return &td, nil
}

func headerReadError(err error, maxLen int) error {
	if errors.Is(err, errLineTooLong) {
		return models.NewError(models.CodeHeaderTooLong, "exceeds %d bytes", maxLen)
	}
	return models.NewError(models.CodeConnectionError, "reading header: %v", err)
}

// WriteReport sends a report as a single JSON line.
func WriteReport(w io.Writer, report models.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	body = append(body, '\n')
	_, err = w.Write(body)
	return err
}

// ReadReport reads the single report line a child sends. A stream that ends
// or times out first is STATUS_NOT_RECEIVED, anything undecodable is
// UNKNOWN_REPLY.
func ReadReport(r *bufio.Reader, maxLen int) (models.Report, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxReportLength
	}
	var report models.Report
	line, err := readLine(r, maxLen)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return report, models.NewError(models.CodeUnknownReply, "report exceeds %d bytes", maxLen)
		}
		return report, models.NewError(models.CodeStatusNotReceived, "%v", err)
	}
	if err := json.Unmarshal(line, &report); err != nil {
		return report, models.NewError(models.CodeUnknownReply, "%v", err)
	}
	for _, rec := range report.Records {
		if !rec.Code.Known() {
			return report, models.NewError(models.CodeUnknownReply, "unknown code %d", int(rec.Code))
		}
	}
	return report, nil
}

// readLine returns the next newline-terminated line without its terminator,
// failing once more than maxLen bytes have been seen without one.
func readLine(r *bufio.Reader, maxLen int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLen+1 {
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
