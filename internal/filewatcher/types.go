package filewatcher

import "time"

// Marker é o conteúdo do arquivo de aviso compartilhado entre instâncias.
// Nunca carrega tokens, só quem mudou e por quê.
type Marker struct {
	InstanceID string    `json:"instanceId"`
	Reason     string    `json:"reason"`
	Seq        uint64    `json:"seq"`
	At         time.Time `json:"at"`
}

// IWatcher define o serviço de reconciliação entre instâncias
type IWatcher interface {
	// Start passa a observar o arquivo de aviso
	Start() error

	// Announce avisa as outras instâncias que os tokens mudaram
	Announce(reason string)

	// OnChange registra um handler para avisos de outras instâncias
	OnChange(handler func(marker Marker))

	// Close encerra o watcher
	Close() error
}
