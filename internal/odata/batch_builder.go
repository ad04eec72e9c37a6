package odata

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/norpie/dynops/internal/errs"
)

// Batch is a serialized multipart/mixed $batch envelope ready to POST.
type Batch struct {
	Boundary string // outer "batch_{uuid}" boundary
	Body     []byte
}

// ContentType returns the outer request's Content-Type header value.
func (b Batch) ContentType() string {
	return "multipart/mixed; boundary=" + b.Boundary
}

// BuildBatch assembles one multipart/mixed envelope containing a single
// changeset for ops, per spec §4.5 and §6. Content-ID assignment is the
// 1-based position of the operation within the changeset.
//
// CreateWithRefs entries are validated: every "$N" must reference a
// strictly earlier element, or ErrInvalidReference is returned without
// building anything (spec §4.5, §8 property 4). This validation never
// reaches the network — it is a programmer error, not a transient one.
func BuildBatch(ops Operations, hostBase string) (Batch, error) {
	if len(ops) == 0 {
		return Batch{}, nil
	}
	if err := validateReferences(ops); err != nil {
		return Batch{}, err
	}

	outer := "batch_" + uuid.NewString()
	inner := "changeset_" + uuid.NewString()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--%s\r\n", outer)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", inner)

	for i, op := range ops {
		contentID := i + 1
		req, err := BuildRequest(op, hostBase)
		if err != nil {
			return Batch{}, err
		}
		body, err := req.MarshalBody()
		if err != nil {
			return Batch{}, errs.New("odata.BuildBatch", errs.KindInvalidReference, err)
		}

		fmt.Fprintf(&buf, "--%s\r\n", inner)
		buf.WriteString("Content-Type: application/http\r\n")
		buf.WriteString("Content-Transfer-Encoding: binary\r\n")
		fmt.Fprintf(&buf, "Content-ID: %d\r\n\r\n", contentID)
		fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
		if len(body) > 0 {
			buf.WriteString("Content-Type: application/json; type=entry\r\n\r\n")
			buf.Write(body)
			buf.WriteString("\r\n")
		} else {
			buf.WriteString("\r\n")
		}
	}
	fmt.Fprintf(&buf, "--%s--\r\n", inner)
	fmt.Fprintf(&buf, "--%s--\r\n", outer)

	return Batch{Boundary: outer, Body: buf.Bytes()}, nil
}

// validateReferences rejects any CreateWithRefs whose "$N" is >= its own
// 1-based Content-ID, and any "$N" that is not a well-formed reference.
func validateReferences(ops Operations) error {
	for i, op := range ops {
		cwr, ok := op.(CreateWithRefs)
		if !ok {
			continue
		}
		contentID := i + 1
		for field, ref := range cwr.ContentIDRefs {
			n, err := parseContentIDRef(ref)
			if err != nil || n < 1 {
				return errs.New("odata.BuildBatch", errs.KindInvalidReference,
					fmt.Errorf("field %q: %w: %q", field, errs.ErrInvalidReference, ref))
			}
			if n >= contentID {
				return errs.New("odata.BuildBatch", errs.KindInvalidReference,
					fmt.Errorf("field %q references $%d, which is not strictly earlier than its own index %d: %w", field, n, contentID, errs.ErrInvalidReference))
			}
		}
	}
	return nil
}

// parseContentIDRef parses the textual form "$N" into N.
func parseContentIDRef(ref string) (int, error) {
	if !strings.HasPrefix(ref, "$") {
		return 0, fmt.Errorf("reference %q must start with '$'", ref)
	}
	return strconv.Atoi(ref[1:])
}
