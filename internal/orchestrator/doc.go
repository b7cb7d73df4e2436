// Package orchestrator выполняет узлы flow на общих приборах.
//
// Orchestrator отвечает за:
//   - Создание запусков flow (StartFlow)
//   - Выполнение одного узла запуска (RunNode) с идемпотентным повтором
//   - Выдачу захватов приборов из FIFO очередей (dispatcher)
//   - Захват и освобождение мест для планшетов (LockManager)
//   - Действия оператора: пауза, возобновление, отказ запуска
//
// Захваты приборов и мест — единственные примитивы синхронизации.
// Прибор захватывает только dispatcher, места — только RunNode через LockManager.
package orchestrator
