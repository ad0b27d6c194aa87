package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "application_mqtt_event_count",
		Help: "The number of events published by the application MQTT backend (per event type).",
	}, []string{"event"})

	mqttc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "application_mqtt_connect_count",
		Help: "The number of times the application MQTT backend connected to the MQTT broker.",
	})

	mqttd = promauto.NewCounter(prometheus.CounterOpts{
		Name: "application_mqtt_disconnect_count",
		Help: "The number of times the application MQTT backend disconnected from the MQTT broker.",
	})
)

func mqttEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func mqttConnectCounter() prometheus.Counter {
	return mqttc
}

func mqttDisconnectCounter() prometheus.Counter {
	return mqttd
}
