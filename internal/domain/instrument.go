package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Instrument — управляемое физическое устройство.
//
// Инструменты заводятся вне оркестратора; оркестратор только
// захватывает и освобождает их через InUseBy.
type Instrument struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	ConnectionMethod string          `json:"connection_method"`
	ConnectionInfo   json.RawMessage `json:"connection_info,omitempty"`
	Enabled          bool            `json:"enabled"`

	// InUseBy — NodeRun, которому принадлежит инструмент (claim). Nil — свободен.
	InUseBy *int64 `json:"in_use_by,omitempty"`
}

// ConnectionInfo — разобранное содержимое instruments.connection_info.
type ConnectionInfo struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Waypoints — соответствие номера waypoint → plate location (для манипуляторов).
	Waypoints map[string]string `json:"waypoint_locations,omitempty"`

	// Extra — параметры, специфичные для коннектора.
	Extra map[string]any `json:"extra,omitempty"`
}

// ParseConnectionInfo разбирает ConnectionInfo. Пустое поле — пустая структура.
func (i *Instrument) ParseConnectionInfo() (ConnectionInfo, error) {
	var info ConnectionInfo
	if len(i.ConnectionInfo) == 0 || string(i.ConnectionInfo) == "null" {
		return info, nil
	}
	if err := json.Unmarshal(i.ConnectionInfo, &info); err != nil {
		return info, fmt.Errorf("instrument %d: parse connection_info: %w", i.ID, err)
	}
	return info, nil
}

// Address возвращает host:port для сетевых коннекторов.
func (c ConnectionInfo) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// WaypointLocation возвращает plate location для номера waypoint.
func (c ConnectionInfo) WaypointLocation(waypoint int) (string, bool) {
	loc, ok := c.Waypoints[strconv.Itoa(waypoint)]
	return loc, ok && loc != ""
}
