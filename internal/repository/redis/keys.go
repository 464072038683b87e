package repository

import "fmt"

func sessionKey(ssID string) string {
	return fmt.Sprintf("kiosk:session:%s", ssID)
}

// activeSessionsKey indexes active sessions in a zset scored by their
// expiry unix time, so the sweeper can range-query stale ones.
func activeSessionsKey() string {
	return "kiosk:sessions:active"
}

func eventKey(evID string) string {
	return fmt.Sprintf("kiosk:event:%s", evID)
}

// dispatchQueueKey indexes a session's unresolved dispatch events,
// scored by sequence number.
func dispatchQueueKey(ssID string) string {
	return fmt.Sprintf("kiosk:session:%s:dispatch", ssID)
}

// processedEventsKey indexes processed events by processing unix time
// for the retention purger.
func processedEventsKey() string {
	return "kiosk:events:processed"
}

func inventoryKey(machineID string, slot int) string {
	return fmt.Sprintf("kiosk:machine:%s:slot:%d", machineID, slot)
}

func machineSlotsKey(machineID string) string {
	return fmt.Sprintf("kiosk:machine:%s:slots", machineID)
}

func auditLogKey() string {
	return "kiosk:audit"
}
