// Package apptime — текущее время в таймзоне приложения. Интервалы и
// длительности меряются обычным time.Now; через apptime идут значения с
// календарной семантикой: метки в базе, расчёт окна отложенной доставки,
// вывод времени оператору.
package apptime

import (
	"time"

	"telegram-radar/internal/infra/config"
)

// Now возвращает текущее время в config.AppLocation.
func Now() time.Time {
	return time.Now().In(config.AppLocation)
}
