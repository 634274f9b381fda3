package logging

import "go.uber.org/zap"

func RunID(id string) zap.Field {
	return zap.String("run_id", id)
}

func FlowID(id string) zap.Field {
	return zap.String("flow_id", id)
}

func StepID(id string) zap.Field {
	return zap.String("step_id", id)
}

func Version(v int) zap.Field {
	return zap.Int("version", v)
}

func Attempt(n int) zap.Field {
	return zap.Int("attempt", n)
}

func Status[T ~string](status T) zap.Field {
	return zap.String("status", string(status))
}

func Kind[T ~string](kind T) zap.Field {
	return zap.String("kind", string(kind))
}

func Connector(name string) zap.Field {
	return zap.String("connector", name)
}
