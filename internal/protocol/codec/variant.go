package codec

import (
	"github.com/danmuck/uastack/internal/protocol/ua"
)

func typed[T any](t ua.BuiltinType, v any, put func(string, T) error) error {
	x, ok := v.(T)
	if !ok {
		return ua.NewStatusError(ua.ErrEncoding, ua.StatusBadTypeMismatch, "variant of %s holds %T", t, v)
	}
	return put("", x)
}

func (e *BinaryEncoder) putVariantScalar(t ua.BuiltinType, v any) error {
	switch t {
	case ua.TypeBoolean:
		return typed(t, v, e.PutBoolean)
	case ua.TypeSByte:
		return typed(t, v, e.PutSByte)
	case ua.TypeByte:
		return typed(t, v, e.PutByte)
	case ua.TypeInt16:
		return typed(t, v, e.PutInt16)
	case ua.TypeUInt16:
		return typed(t, v, e.PutUInt16)
	case ua.TypeInt32:
		return typed(t, v, e.PutInt32)
	case ua.TypeUInt32:
		return typed(t, v, e.PutUInt32)
	case ua.TypeInt64:
		return typed(t, v, e.PutInt64)
	case ua.TypeUInt64:
		return typed(t, v, e.PutUInt64)
	case ua.TypeFloat:
		return typed(t, v, e.PutFloat)
	case ua.TypeDouble:
		return typed(t, v, e.PutDouble)
	case ua.TypeString:
		return typed(t, v, e.PutString)
	case ua.TypeDateTime:
		return typed(t, v, e.PutDateTime)
	case ua.TypeGUID:
		return typed(t, v, e.PutGUID)
	case ua.TypeByteString:
		return typed(t, v, e.PutByteString)
	case ua.TypeXMLElement:
		return typed(t, v, e.PutXMLElement)
	case ua.TypeNodeID:
		return typed(t, v, e.PutNodeID)
	case ua.TypeExpandedNodeID:
		return typed(t, v, e.PutExpandedNodeID)
	case ua.TypeStatusCode:
		return typed(t, v, e.PutStatusCode)
	case ua.TypeQualifiedName:
		return typed(t, v, e.PutQualifiedName)
	case ua.TypeLocalizedText:
		return typed(t, v, e.PutLocalizedText)
	case ua.TypeExtensionObject:
		if v == nil {
			return e.PutExtensionObject("", nil)
		}
		return typed(t, v, e.PutExtensionObject)
	case ua.TypeDataValue:
		return typed(t, v, e.PutDataValue)
	case ua.TypeDiagnosticInfo:
		if d, ok := v.(ua.DiagnosticInfo); ok {
			return e.PutDiagnosticInfo("", &d)
		}
		return typed(t, v, e.PutDiagnosticInfo)
	}
	return ua.EncodingError("variant type %s has no scalar form", t)
}

func (e *BinaryEncoder) putVariantArray(t ua.BuiltinType, v any) error {
	if v == nil {
		return e.PutInt32("", nullLength)
	}
	switch t {
	case ua.TypeBoolean:
		return typed(t, v, e.PutBooleanArray)
	case ua.TypeSByte:
		return typed(t, v, e.PutSByteArray)
	case ua.TypeByte:
		return typed(t, v, e.PutByteArray)
	case ua.TypeInt16:
		return typed(t, v, e.PutInt16Array)
	case ua.TypeUInt16:
		return typed(t, v, e.PutUInt16Array)
	case ua.TypeInt32:
		return typed(t, v, e.PutInt32Array)
	case ua.TypeUInt32:
		return typed(t, v, e.PutUInt32Array)
	case ua.TypeInt64:
		return typed(t, v, e.PutInt64Array)
	case ua.TypeUInt64:
		return typed(t, v, e.PutUInt64Array)
	case ua.TypeFloat:
		return typed(t, v, e.PutFloatArray)
	case ua.TypeDouble:
		return typed(t, v, e.PutDoubleArray)
	case ua.TypeString:
		return typed(t, v, e.PutStringArray)
	case ua.TypeDateTime:
		return typed(t, v, e.PutDateTimeArray)
	case ua.TypeGUID:
		return typed(t, v, e.PutGUIDArray)
	case ua.TypeByteString:
		return typed(t, v, e.PutByteStringArray)
	case ua.TypeXMLElement:
		return typed(t, v, e.PutXMLElementArray)
	case ua.TypeNodeID:
		return typed(t, v, e.PutNodeIDArray)
	case ua.TypeExpandedNodeID:
		return typed(t, v, e.PutExpandedNodeIDArray)
	case ua.TypeStatusCode:
		return typed(t, v, e.PutStatusCodeArray)
	case ua.TypeQualifiedName:
		return typed(t, v, e.PutQualifiedNameArray)
	case ua.TypeLocalizedText:
		return typed(t, v, e.PutLocalizedTextArray)
	case ua.TypeExtensionObject:
		if arr, ok := v.(StructureArray); ok {
			return e.PutExtensionObjectArray("", arr.Values)
		}
		return typed(t, v, e.PutExtensionObjectArray)
	case ua.TypeDataValue:
		return typed(t, v, e.PutDataValueArray)
	case ua.TypeVariant:
		return typed(t, v, e.PutVariantArray)
	case ua.TypeDiagnosticInfo:
		return typed(t, v, e.PutDiagnosticInfoArray)
	}
	return ua.EncodingError("variant type %s has no array form", t)
}

func boxed[T any](get func(string) (T, error)) (any, error) {
	v, err := get("")
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *BinaryDecoder) getVariantScalar(t ua.BuiltinType) (any, error) {
	switch t {
	case ua.TypeBoolean:
		return boxed(d.GetBoolean)
	case ua.TypeSByte:
		return boxed(d.GetSByte)
	case ua.TypeByte:
		return boxed(d.GetByte)
	case ua.TypeInt16:
		return boxed(d.GetInt16)
	case ua.TypeUInt16:
		return boxed(d.GetUInt16)
	case ua.TypeInt32:
		return boxed(d.GetInt32)
	case ua.TypeUInt32:
		return boxed(d.GetUInt32)
	case ua.TypeInt64:
		return boxed(d.GetInt64)
	case ua.TypeUInt64:
		return boxed(d.GetUInt64)
	case ua.TypeFloat:
		return boxed(d.GetFloat)
	case ua.TypeDouble:
		return boxed(d.GetDouble)
	case ua.TypeString:
		return boxed(d.GetString)
	case ua.TypeDateTime:
		return boxed(d.GetDateTime)
	case ua.TypeGUID:
		return boxed(d.GetGUID)
	case ua.TypeByteString:
		return boxed(d.GetByteString)
	case ua.TypeXMLElement:
		return boxed(d.GetXMLElement)
	case ua.TypeNodeID:
		return boxed(d.GetNodeID)
	case ua.TypeExpandedNodeID:
		return boxed(d.GetExpandedNodeID)
	case ua.TypeStatusCode:
		return boxed(d.GetStatusCode)
	case ua.TypeQualifiedName:
		return boxed(d.GetQualifiedName)
	case ua.TypeLocalizedText:
		return boxed(d.GetLocalizedText)
	case ua.TypeExtensionObject:
		s, err := d.GetExtensionObject("")
		if err != nil || s == nil {
			return nil, err
		}
		return s, nil
	case ua.TypeDataValue:
		return boxed(d.GetDataValue)
	case ua.TypeDiagnosticInfo:
		di, err := d.GetDiagnosticInfo("")
		if err != nil {
			return nil, err
		}
		if di == nil {
			return ua.DiagnosticInfo{}, nil
		}
		return *di, nil
	}
	return nil, ua.DecodingError("variant type %s has no scalar form", t)
}

func boxedArray[T any](get func(string) ([]T, error)) (any, int, error) {
	vs, err := get("")
	if err != nil {
		return nil, 0, err
	}
	return vs, len(vs), nil
}

func (d *BinaryDecoder) getVariantArray(t ua.BuiltinType) (any, int, error) {
	switch t {
	case ua.TypeBoolean:
		return boxedArray(d.GetBooleanArray)
	case ua.TypeSByte:
		return boxedArray(d.GetSByteArray)
	case ua.TypeByte:
		return boxedArray(d.GetByteArray)
	case ua.TypeInt16:
		return boxedArray(d.GetInt16Array)
	case ua.TypeUInt16:
		return boxedArray(d.GetUInt16Array)
	case ua.TypeInt32:
		return boxedArray(d.GetInt32Array)
	case ua.TypeUInt32:
		return boxedArray(d.GetUInt32Array)
	case ua.TypeInt64:
		return boxedArray(d.GetInt64Array)
	case ua.TypeUInt64:
		return boxedArray(d.GetUInt64Array)
	case ua.TypeFloat:
		return boxedArray(d.GetFloatArray)
	case ua.TypeDouble:
		return boxedArray(d.GetDoubleArray)
	case ua.TypeString:
		return boxedArray(d.GetStringArray)
	case ua.TypeDateTime:
		return boxedArray(d.GetDateTimeArray)
	case ua.TypeGUID:
		return boxedArray(d.GetGUIDArray)
	case ua.TypeByteString:
		return boxedArray(d.GetByteStringArray)
	case ua.TypeXMLElement:
		return boxedArray(d.GetXMLElementArray)
	case ua.TypeNodeID:
		return boxedArray(d.GetNodeIDArray)
	case ua.TypeExpandedNodeID:
		return boxedArray(d.GetExpandedNodeIDArray)
	case ua.TypeStatusCode:
		return boxedArray(d.GetStatusCodeArray)
	case ua.TypeQualifiedName:
		return boxedArray(d.GetQualifiedNameArray)
	case ua.TypeLocalizedText:
		return boxedArray(d.GetLocalizedTextArray)
	case ua.TypeExtensionObject:
		arr, err := d.GetExtensionObjectArray("")
		if err != nil {
			return nil, 0, err
		}
		return arr, len(arr.Values), nil
	case ua.TypeDataValue:
		return boxedArray(d.GetDataValueArray)
	case ua.TypeVariant:
		return boxedArray(d.GetVariantArray)
	case ua.TypeDiagnosticInfo:
		return boxedArray(d.GetDiagnosticInfoArray)
	}
	return nil, 0, ua.DecodingError("variant type %s has no array form", t)
}
