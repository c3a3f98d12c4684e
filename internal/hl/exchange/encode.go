package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Action hashes depend on msgpack key order, so actions are written field
// by field instead of through struct tags.

type field struct {
	key   string
	write func(*msgpack.Encoder) error
}

func str(v string) func(*msgpack.Encoder) error {
	return func(enc *msgpack.Encoder) error { return enc.EncodeString(v) }
}

func integer(v int64) func(*msgpack.Encoder) error {
	return func(enc *msgpack.Encoder) error { return enc.EncodeInt(v) }
}

func boolean(v bool) func(*msgpack.Encoder) error {
	return func(enc *msgpack.Encoder) error { return enc.EncodeBool(v) }
}

func writeMap(enc *msgpack.Encoder, fields []field) error {
	if err := enc.EncodeMapLen(len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := enc.EncodeString(f.key); err != nil {
			return err
		}
		if err := f.write(enc); err != nil {
			return err
		}
	}
	return nil
}

func writeArray[T any](items []T, each func(*msgpack.Encoder, T) error) func(*msgpack.Encoder) error {
	return func(enc *msgpack.Encoder) error {
		if err := enc.EncodeArrayLen(len(items)); err != nil {
			return err
		}
		for _, item := range items {
			if err := each(enc, item); err != nil {
				return err
			}
		}
		return nil
	}
}

func encode(fields []field) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeMap(msgpack.NewEncoder(&buf), fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	fields := []field{
		{"type", str(action.Type)},
		{"orders", writeArray(action.Orders, encodeOrderWire)},
		{"grouping", str(action.Grouping)},
	}
	if action.Builder != nil {
		builder := action.Builder
		fields = append(fields, field{"builder", func(enc *msgpack.Encoder) error { return enc.Encode(builder) }})
	}
	return encode(fields)
}

func EncodeCancelByCloidAction(action CancelByCloidAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	return encode([]field{
		{"type", str(action.Type)},
		{"cancels", writeArray(action.Cancels, func(enc *msgpack.Encoder, c CancelByCloidWire) error {
			return writeMap(enc, []field{{"asset", integer(int64(c.Asset))}, {"cloid", str(c.Cloid)}})
		})},
	})
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	if order.OrderType.Limit == nil {
		return errors.New("limit order type required")
	}
	tif := string(order.OrderType.Limit.Tif)
	fields := []field{
		{"a", integer(int64(order.Asset))},
		{"b", boolean(order.IsBuy)},
		{"p", str(order.Price)},
		{"s", str(order.Size)},
		{"r", boolean(order.ReduceOnly)},
		{"t", func(enc *msgpack.Encoder) error {
			return writeMap(enc, []field{{"limit", func(enc *msgpack.Encoder) error {
				return writeMap(enc, []field{{"tif", str(tif)}})
			}}})
		}},
	}
	if order.Cloid != "" {
		fields = append(fields, field{"c", str(order.Cloid)})
	}
	return writeMap(enc, fields)
}
