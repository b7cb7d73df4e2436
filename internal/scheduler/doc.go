// Package scheduler запускает flow по расписанию.
//
// Расписания задаются в конфигурации (schedules): cron-выражение с
// часовым поясом или фиксированный интервал. Каждый тик Scheduler
// создаёт запуски для наступивших расписаний через FlowStarter
// (обычно *orchestrator.Orchestrator) и сдвигает next due.
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Schedules: schedules,
//	    Starter:   orch,
//	    Leader:    repo.NewAdvisoryLeader(pool, repo.SchedulerLockKey), // опционально
//	    Logger:    logger,
//	})
//	go sched.Run(ctx)
//
// Leader Election:
//
// Несколько оркестраторов могут работать с одной БД. Leader решает, кто
// из них запускает расписания; для PostgreSQL это pg_try_advisory_lock
// на выделенном соединении. Run вызывает Tick только у лидера.
package scheduler
