// Package cli реализует инструмент командной строки vestra.
//
// CLI работает с API оркестратора по HTTP и не импортирует внутренние
// пакеты системы. Типы ответов дублируют DTO из internal/api.
//
// # Client
//
//	client := cli.NewClient("http://localhost:8085", 0)
//	run, err := client.StartFlow(cli.StartFlowRequest{StartNodeID: "peel"})
//
// Вызов узла блокирует запрос, пока прибор не выполнит операцию,
// поэтому таймаут клиента по умолчанию большой (DefaultTimeout).
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные пишутся в stdout, сообщения в stderr:
//
//	vestra run list --json | jq .
//
// # Commands
//
//   - flow: start
//   - run: list, show, nodes, pause, resume, fail
//   - node: run
//   - instrument: list, queues
//
// Группы создаются фабриками (NewRunCmd и т.д.), принимающими clientFn и
// outputFn: Client и Output создаются лениво, после разбора флагов.
package cli
