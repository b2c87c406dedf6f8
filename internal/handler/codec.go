package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-purchases/internal/domain/product"
	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

const maxBodySize = 1 << 20

// malformedError reports a request body that is not the expected JSON shape.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("malformed request body: %v", e.err)
}

func (e *malformedError) Unwrap() error {
	return e.err
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, &malformedError{err: err}
	}
	return data, nil
}

// decodeObject iterates over the fields of the top-level JSON object in data.
func decodeObject(data []byte, f func(d *jx.Decoder, key string) error) error {
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return &malformedError{err: errors.New("expected JSON object")}
	}
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return f(d, string(key))
	}); err != nil {
		return &malformedError{err: err}
	}
	return nil
}

// decodeScalar returns the textual form of a JSON scalar. Numbers keep their
// literal representation, null becomes "". Composite values are returned raw
// so that validation rejects them.
func decodeScalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	default:
		raw, err := d.Raw()
		if err != nil {
			return "", err
		}
		return raw.String(), nil
	}
}

func decodePurchaseRequest(data []byte) (purchase.Request, error) {
	var req purchase.Request
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			req.UserID, err = decodeScalar(d)
		case "status":
			req.Status, err = decodeScalar(d)
		case "details":
			req.Details, err = decodeDetails(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeDetails(d *jx.Decoder) ([]purchase.RequestItem, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	details := []purchase.RequestItem{}
	err := d.Arr(func(d *jx.Decoder) error {
		var it purchase.RequestItem
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "product_id":
				it.ProductID, err = decodeScalar(d)
			case "quantity":
				it.Quantity, err = decodeScalar(d)
			case "price":
				it.Price, err = decodeScalar(d)
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		details = append(details, it)
		return nil
	})
	return details, err
}

func decodeProductInput(data []byte) (product.Input, error) {
	var in product.Input
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			in.Name, err = decodeScalar(d)
		case "description":
			in.Description, err = decodeScalar(d)
		case "price":
			in.Price, err = decodeScalar(d)
		case "stock":
			in.Stock, err = decodeScalar(d)
		case "image":
			in.Image, err = decodeScalar(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return in, err
}

// encodePurchaseFields writes the fields of p into an open JSON object.
func encodePurchaseFields(e *jx.Encoder, p *purchase.Purchase) {
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("user_id")
	e.Int64(p.UserID)
	e.FieldStart("status")
	e.Str(p.Status)
	e.FieldStart("total")
	e.Float64(p.Total.InexactFloat64())
	e.FieldStart("purchase_date")
	e.Str(p.PurchaseDate.UTC().Format(time.RFC3339Nano))
	e.FieldStart("details")
	e.ArrStart()
	for _, it := range p.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Int64(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("price")
		e.Float64(it.Price.InexactFloat64())
		e.FieldStart("subtotal")
		e.Float64(it.Subtotal.InexactFloat64())
		e.ObjEnd()
	}
	e.ArrEnd()
}

func encodePurchase(e *jx.Encoder, p *purchase.Purchase) {
	e.ObjStart()
	encodePurchaseFields(e, p)
	e.ObjEnd()
}

func (h *Handler) encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("description")
	e.Str(p.Description)
	e.FieldStart("price")
	e.Float64(p.Price.InexactFloat64())
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.FieldStart("image")
	e.Str(h.imageBaseURL + p.Image)
	e.FieldStart("created_at")
	e.Str(p.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}
