// Package api содержит HTTP API оркестратора.
//
// Структура:
//   - handler.go            — Handler с DI (оркестратор, хранилище, реестр, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (request id, metrics, logging, recovery)
//   - response.go           — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - flow_run_handler.go   — обработчики для /flow-runs
//   - instrument_handler.go — обработчики для /instruments и /flow-graph
//
// Вызов узла (POST .../nodes/{node_id}/run) держит запрос до завершения
// операции прибора; клиент задаёт верхнюю границу своим таймаутом.
package api
