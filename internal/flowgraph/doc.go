// Package flowgraph содержит скомпилированный граф flow.
//
// Включает:
//   - parser.go  — разбор Node-RED flows.json в RawNode
//   - graph.go   — построение графа и позиционные запросы (NextNodes, NextStep)
//   - holder.go  — атомарная ссылка на активный граф
//   - watcher.go — перезагрузка графа при изменении flows.json (fsnotify)
//
// Граф неизменяем после построения. При переопределении flow новый граф
// строится целиком и подменяется атомарно, поэтому читатели никогда
// не видят частично перестроенный граф.
package flowgraph
