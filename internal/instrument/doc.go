// Package instrument содержит реестр приборов.
//
// Включает:
//   - connector.go — абстракция подключения к прибору и его операций
//   - queue.go     — FIFO очередь попыток к прибору
//   - registry.go  — реестр {connector, очередь} по ID прибора
//   - sim.go       — симуляторы XPeel и UrRobot для стенда без железа
//
// Набор операций прибора закрыт: он проверяется при регистрации,
// а не ищется по имени при каждом вызове.
package instrument
