package serialport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestTestableSerialPort_EmptyReadActsLikeTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	buf := make([]byte, 4)

	n, err := port.Read(buf)
	if n != 0 || err != nil {
		t.Errorf("Read on empty port = (%d, %v), want (0, nil)", n, err)
	}
}

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte{1, 2, 3})

	buf := make([]byte, 8)
	n, err := port.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = (%d, %v), want (3, nil)", n, err)
	}

	if _, err := port.Write([]byte{0xA5, 0x25}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if !bytes.Equal(port.GetWrittenData(), []byte{0xA5, 0x25}) {
		t.Errorf("written = %x", port.GetWrittenData())
	}
}

func TestTestableSerialPort_OnWriteQueuesReply(t *testing.T) {
	port := NewTestableSerialPort()
	port.OnWrite = func(p []byte, reply *bytes.Buffer) {
		reply.Write([]byte{0xA5, 0x5A})
	}

	if _, err := port.Write([]byte{0xA5, 0x52}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	buf := make([]byte, 2)
	if n, _ := port.Read(buf); n != 2 || buf[0] != 0xA5 || buf[1] != 0x5A {
		t.Errorf("reply = %x (n=%d)", buf, n)
	}
}

func TestTestableSerialPort_ErrorsAndClose(t *testing.T) {
	port := NewTestableSerialPort()
	sentinel := errors.New("boom")
	port.ReadError = sentinel

	if _, err := port.Read(make([]byte, 1)); !errors.Is(err, sentinel) {
		t.Errorf("first Read error = %v, want %v", err, sentinel)
	}
	if _, err := port.Read(make([]byte, 1)); err != nil {
		t.Errorf("ReadError should be one-shot, got %v", err)
	}

	port.Unplug()
	if _, err := port.Read(make([]byte, 1)); err == nil {
		t.Error("Read after Unplug should fail")
	}

	port.CloseError = errors.New("close failed")
	if err := port.Close(); err == nil {
		t.Error("expected CloseError")
	}
	if !port.IsClosed() || port.CloseCalls != 1 {
		t.Errorf("Closed=%v CloseCalls=%d", port.IsClosed(), port.CloseCalls)
	}
	if _, err := port.Read(make([]byte, 1)); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Read after Close = %v, want ErrPortClosed", err)
	}
}

func TestTestableSerialPort_BlockingReadWakesOnClose(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	port.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPortClosed) {
			t.Errorf("blocked Read returned %v, want ErrPortClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Read did not wake on Close")
	}
}

func TestTestableSerialPort_LineControl(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte{9, 9})

	if err := port.SetDTR(false); err != nil {
		t.Fatal(err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		t.Fatal(err)
	}

	if port.DTR || len(port.DTRCalls) != 1 {
		t.Errorf("DTR=%v calls=%v", port.DTR, port.DTRCalls)
	}
	if port.ReadTimeout != time.Second {
		t.Errorf("ReadTimeout = %v", port.ReadTimeout)
	}
	if port.InputResets != 1 || port.ReadBuffer.Len() != 0 {
		t.Errorf("ResetInputBuffer did not discard input")
	}
}

func TestMockOpener(t *testing.T) {
	port := NewTestableSerialPort()
	opener := NewMockOpener(port)

	got, err := opener.Open("/dev/ttyUSB0", PortOptions{BaudRate: 115200})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if got != port {
		t.Error("Open should return the configured port")
	}
	if opener.Calls() != 1 || opener.LastCall().Path != "/dev/ttyUSB0" {
		t.Errorf("unexpected calls: %+v", opener.OpenCalls)
	}

	opener.Error = errors.New("permission denied")
	if _, err := opener.Open("/dev/ttyUSB1", PortOptions{}); err == nil {
		t.Error("expected configured error")
	}

	var empty MockOpener
	if empty.LastCall() != nil {
		t.Error("LastCall on fresh opener should be nil")
	}
}
