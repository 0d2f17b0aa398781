package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSlot      = "slot"
	FieldNameAccountID = "accountID"
	FieldNameEndpoint  = "endpoint"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSlot 返回槽位号字段。
func FieldSlot(slot int) zap.Field {
	return zap.Int(FieldNameSlot, slot)
}

// FieldAccountID 返回账号 ID 字段；账号 ID 为摘要值，不含原始凭据。
func FieldAccountID(id string) zap.Field {
	return zap.String(FieldNameAccountID, id)
}

// FieldEndpoint 返回端点标识字段。
func FieldEndpoint(key string) zap.Field {
	return zap.String(FieldNameEndpoint, key)
}
