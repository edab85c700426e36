package signal

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	ctl.sendJSON(conn, message{Type: "pong"})
}

func (ctl *SignalWSController) handleHangup(
	conn *WsSignalConn,
) {
	ctl.hangup(conn)
	ctl.sendJSON(conn, message{Type: "bye"})
}
