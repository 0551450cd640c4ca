package exchange

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeAction msgpack-encodes an L1 action with the field order the venue
// hashes.
func EncodeAction(action any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	var err error
	switch a := action.(type) {
	case OrderAction:
		err = encodeOrderAction(enc, a)
	case BatchModifyAction:
		err = encodeBatchModifyAction(enc, a)
	case CancelAction:
		err = encodeCancelAction(enc, a)
	case CancelByCloidAction:
		err = encodeCancelByCloidAction(enc, a)
	case ScheduleCancelAction:
		err = encodeScheduleCancelAction(enc, a)
	default:
		err = fmt.Errorf("unsupported action %T", action)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	return EncodeAction(action)
}

func encodeOrderAction(enc *msgpack.Encoder, action OrderAction) error {
	if action.Type == "" {
		return errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	mapLen := 3
	if action.Builder != nil {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", action.Type); err != nil {
		return err
	}
	if err := enc.EncodeString("orders"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(action.Orders)); err != nil {
		return err
	}
	for _, order := range action.Orders {
		if err := encodeOrderWire(enc, order); err != nil {
			return err
		}
	}
	if err := encodeKV(enc, "grouping", action.Grouping); err != nil {
		return err
	}
	if action.Builder != nil {
		if err := enc.EncodeString("builder"); err != nil {
			return err
		}
		if err := enc.Encode(action.Builder); err != nil {
			return err
		}
	}
	return nil
}

func encodeBatchModifyAction(enc *msgpack.Encoder, action BatchModifyAction) error {
	if len(action.Modifies) == 0 {
		return errors.New("action modifies are required")
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", "batchModify"); err != nil {
		return err
	}
	if err := enc.EncodeString("modifies"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(action.Modifies)); err != nil {
		return err
	}
	for _, modify := range action.Modifies {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("oid"); err != nil {
			return err
		}
		if err := enc.EncodeInt(modify.OrderID); err != nil {
			return err
		}
		if err := enc.EncodeString("order"); err != nil {
			return err
		}
		if err := encodeOrderWire(enc, modify.Order); err != nil {
			return err
		}
	}
	return nil
}

func encodeCancelAction(enc *msgpack.Encoder, action CancelAction) error {
	if action.Type == "" {
		return errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return errors.New("action cancels are required")
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", action.Type); err != nil {
		return err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(action.Cancels)); err != nil {
		return err
	}
	for _, cancel := range action.Cancels {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("a"); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(cancel.Asset)); err != nil {
			return err
		}
		if err := enc.EncodeString("o"); err != nil {
			return err
		}
		if err := enc.EncodeInt(cancel.OrderID); err != nil {
			return err
		}
	}
	return nil
}

func encodeCancelByCloidAction(enc *msgpack.Encoder, action CancelByCloidAction) error {
	if len(action.Cancels) == 0 {
		return errors.New("action cancels are required")
	}
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", "cancelByCloid"); err != nil {
		return err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(action.Cancels)); err != nil {
		return err
	}
	for _, cancel := range action.Cancels {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("asset"); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(cancel.Asset)); err != nil {
			return err
		}
		if err := encodeKV(enc, "cloid", cancel.Cloid); err != nil {
			return err
		}
	}
	return nil
}

func encodeScheduleCancelAction(enc *msgpack.Encoder, action ScheduleCancelAction) error {
	mapLen := 1
	if action.Time != nil {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", "scheduleCancel"); err != nil {
		return err
	}
	if action.Time == nil {
		return nil
	}
	if err := enc.EncodeString("time"); err != nil {
		return err
	}
	return enc.EncodeUint(*action.Time)
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	mapLen := 6
	if order.Cloid != "" {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := enc.EncodeString("a"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(order.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("b"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.IsBuy); err != nil {
		return err
	}
	if err := encodeKV(enc, "p", order.Price); err != nil {
		return err
	}
	if err := encodeKV(enc, "s", order.Size); err != nil {
		return err
	}
	if err := enc.EncodeString("r"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.ReduceOnly); err != nil {
		return err
	}
	if err := enc.EncodeString("t"); err != nil {
		return err
	}
	if err := encodeOrderTypeWire(enc, order.OrderType); err != nil {
		return err
	}
	if order.Cloid != "" {
		return encodeKV(enc, "c", order.Cloid)
	}
	return nil
}

func encodeOrderTypeWire(enc *msgpack.Encoder, orderType OrderTypeWire) error {
	if orderType.Limit == nil {
		return errors.New("limit order type required")
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString("limit"); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	return encodeKV(enc, "tif", string(orderType.Limit.Tif))
}

func encodeKV(enc *msgpack.Encoder, key, value string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(value)
}
