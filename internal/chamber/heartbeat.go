package chamber

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/defliez/temperature-chamber/internal/types"
)

// ParseHeartbeat decodes one reply from the control board. Two firmware
// formats are understood:
//
//	Room_temp: 23.50 | Desired_temp: 50.00 | Heater: 1 | Cooler: 0 | Machine_state: NORMAL
//	{"current_temp": 23.5, "desired_temp": 50, "machine_state": "NORMAL"}
//
// Unknown fields are ignored and unparsable values leave their field unset.
// ok is false when no known field was present; the returned status then
// carries MachineStateUnknown.
func ParseHeartbeat(line string, now time.Time) (types.ChamberStatus, bool) {
	status := types.ChamberStatus{
		Timestamp:    now,
		MachineState: types.MachineStateUnknown,
		Raw:          line,
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return status, false
	}

	fields, ok := splitFields(line)
	if !ok {
		return status, false
	}

	recognized := false
	for key, value := range fields {
		switch normalizeKey(key) {
		case "roomtemp", "currenttemp", "temp", "temperature":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				status.CurrentTemp = v
				status.HasCurrent = true
				recognized = true
			}
		case "desiredtemp", "targettemp", "settemp":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				status.DesiredTemp = v
				status.HasDesired = true
				recognized = true
			}
		case "heater":
			if v, ok := parseSwitch(value); ok {
				status.Heater = v
				recognized = true
			}
		case "cooler":
			if v, ok := parseSwitch(value); ok {
				status.Cooler = v
				recognized = true
			}
		case "machinestate", "state":
			status.MachineState = types.ParseMachineState(value)
			recognized = true
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				status.Timestamp = ts
			}
		}
	}

	return status, recognized
}

func splitFields(line string) (map[string]string, bool) {
	if strings.HasPrefix(line, "{") {
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, false
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch tv := v.(type) {
			case string:
				fields[k] = tv
			case float64:
				fields[k] = strconv.FormatFloat(tv, 'f', -1, 64)
			case bool:
				fields[k] = strconv.FormatBool(tv)
			}
		}
		return fields, true
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(line, "|") {
		key, value, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return fields, len(fields) > 0
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", " ", "", "-", "").Replace(key)
}

func parseSwitch(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "on", "true":
		return true, true
	case "0", "off", "false":
		return false, true
	}
	return false, false
}
