// Package version — единая точка с именем и версией сборки. Значения
// используются в DeviceConfig MTProto-клиента, в CLI-команде version и в
// логах старта.
package version

const (
	// Name — человекочитаемое имя приложения.
	Name = "telegram-radar"
	// Version — версия сборки; поднимается вручную при выпуске.
	Version = "0.3.1"
)
