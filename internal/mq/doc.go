// Package mq связывает процессы оркестратора через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchange событий и очередь пробуждений экземпляра
//   - publisher.go  — публикация событий жизненного цикла
//   - consumer.go   — потребление сообщений и пробуждение hub
//
// Routing key события совпадает с его типом:
//   - flow.started, flow.status, flow.completed
//   - node.queued, node.started, node.completed, node.failed
//   - instrument.claimed
//
// Несколько оркестраторов над одним хранилищем слушают
// vestra.events и будят своих ожидающих без ожидания таймера.
// Без брокера оркестратор работает только по опросу.
package mq
