package store

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/roach88/denorm/internal/ir"
)

const refKey = "$ref"

// marshalBody encodes a document body as BSON.
func marshalBody(data ir.IRObject) ([]byte, error) {
	doc, err := toBSON(data)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return b, nil
}

// unmarshalBody decodes a BSON document body.
func unmarshalBody(b []byte) (ir.IRObject, error) {
	var raw bson.M
	if err := bson.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	v, err := fromBSON(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("unmarshal body: expected document, got %T", v)
	}
	return obj, nil
}

func toBSON(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return nil, nil
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRFloat:
		return float64(val), nil
	case ir.IRBool:
		return bool(val), nil
	case ir.IRTimestamp:
		return primitive.NewDateTimeFromTime(val.Time()), nil
	case ir.IRTime:
		return primitive.NewDateTimeFromTime(val.Std()), nil
	case ir.IRRef:
		return bson.M{refKey: string(val)}, nil
	case ir.IRArray:
		out := make(bson.A, len(val))
		for i, e := range val {
			b, err := toBSON(e)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			out[i] = b
		}
		return out, nil
	case ir.IRObject:
		out := make(bson.M, len(val))
		for k, e := range val {
			b, err := toBSON(e)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			out[k] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromBSON(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}, nil
	case string:
		return ir.IRString(val), nil
	case int32:
		return ir.IRInt(val), nil
	case int64:
		return ir.IRInt(val), nil
	case float64:
		return ir.IRFloat(val), nil
	case bool:
		return ir.IRBool(val), nil
	case primitive.DateTime:
		return ir.NewIRTimestamp(val.Time()), nil
	case bson.A:
		out := make(ir.IRArray, len(val))
		for i, e := range val {
			iv, err := fromBSON(e)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			out[i] = iv
		}
		return out, nil
	case bson.D:
		return fromBSON(val.Map())
	case bson.M:
		if ref, ok := val[refKey].(string); ok && len(val) == 1 {
			return ir.IRRef(ref), nil
		}
		out := make(ir.IRObject, len(val))
		for k, e := range val {
			iv, err := fromBSON(e)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			out[k] = iv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported BSON type %T", v)
	}
}
