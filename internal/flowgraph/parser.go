package flowgraph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// RawNode — узел в том виде, в котором он записан в flows.json.
type RawNode struct {
	// ID — идентификатор узла Node-RED.
	ID string `json:"id"`

	// Type — тип узла (xpeel-xpeel, ur3-move, start-flow, comment, ...).
	Type string `json:"type"`

	// Name — имя узла в редакторе.
	Name string `json:"name,omitempty"`

	// Wires — для каждого выхода список ID узлов-получателей.
	// Nil, если поле wires отсутствует в файле.
	Wires [][]string `json:"wires"`

	// Props — все поля узла без разбора (конфигурация конкретного типа).
	Props map[string]any `json:"-"`
}

// HasWires возвращает true, если в записи было поле wires.
func (n *RawNode) HasWires() bool {
	return n.Wires != nil
}

// Parse читает flows.json.
//
// Файл — JSON-массив объектов. Записи без поля wires сохраняются
// с Wires == nil и отбрасываются при построении графа.
func Parse(r io.Reader) ([]RawNode, error) {
	var records []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlowFile, err)
	}

	nodes := make([]RawNode, 0, len(records))
	for i, rec := range records {
		node, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidFlowFile, i, err)
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// ParseFile читает flows.json с диска.
func ParseFile(path string) ([]RawNode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flow file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// parseRecord разбирает одну запись flows.json.
func parseRecord(rec map[string]json.RawMessage) (RawNode, error) {
	var node RawNode

	if raw, ok := rec["id"]; ok {
		if err := json.Unmarshal(raw, &node.ID); err != nil {
			return node, fmt.Errorf("id: %w", err)
		}
	}
	if raw, ok := rec["type"]; ok {
		if err := json.Unmarshal(raw, &node.Type); err != nil {
			return node, fmt.Errorf("type: %w", err)
		}
	}
	if raw, ok := rec["name"]; ok {
		// name у некоторых узлов не строка — не считаем это ошибкой
		_ = json.Unmarshal(raw, &node.Name)
	}
	if raw, ok := rec["wires"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &node.Wires); err != nil {
			return node, fmt.Errorf("node %s wires: %w", node.ID, err)
		}
		if node.Wires == nil {
			node.Wires = [][]string{}
		}
	}

	node.Props = make(map[string]any, len(rec))
	for key, raw := range rec {
		switch key {
		case "id", "type", "wires":
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			node.Props[key] = v
		}
	}

	return node, nil
}
