package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabular/ar-preview/internal/protocol"
)

// engine-sim dials the service's engine endpoint and answers the session
// protocol with canned responses, standing in for the real browser-hosted
// AR engine during local development.

func main() {
	var (
		urlFlag    = flag.String("url", "ws://localhost:9100/ws/engine", "Engine WebSocket URL")
		photoAngle = flag.Float64("photo-step", 18, "Degrees between simulated scan photos")
	)
	flag.Parse()

	fmt.Printf("Engine simulator connecting to %s\n", *urlFlag)

	c, _, err := websocket.DefaultDialer.Dial(*urlFlag, nil)
	if err != nil {
		log.Fatal("Dial error:", err)
	}
	defer c.Close()

	fmt.Printf("Connected successfully\n")

	sim := &simulator{conn: c, photoStep: *photoAngle}
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Println("Read error:", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Println("Bad envelope:", err)
			continue
		}

		fmt.Printf("<- %s (%s)\n", env.Type, env.MessageID)
		sim.respond(env)
	}
}

type simulator struct {
	conn      *websocket.Conn
	counter   int
	photoStep float64
	nextAngle float64
	scanID    protocol.ScanSessionID
}

func (s *simulator) send(t protocol.MessageType, payload interface{}) {
	s.counter++
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Println("Marshal error:", err)
		return
	}
	env := protocol.Envelope{
		Type:      t,
		Payload:   raw,
		MessageID: fmt.Sprintf("sim_%d", s.counter),
		Timestamp: time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(env)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Println("Write error:", err)
		return
	}
	fmt.Printf("-> %s\n", t)
}

func (s *simulator) respond(env protocol.Envelope) {
	switch env.Type {
	case protocol.InitAR:
		s.send(protocol.ARReady, protocol.ARReadyPayload{
			ReplyTo: env.MessageID,
			Capabilities: protocol.Capabilities{
				HasLiDAR:       true,
				SupportsVPS:    true,
				MaxTextureSize: 4096,
			},
		})
		s.send(protocol.TrackingState, protocol.TrackingStatePayload{State: protocol.TrackingNormal})
		s.send(protocol.SurfaceDetected, protocol.SurfaceDetectedPayload{
			Detected:   true,
			PlaneCount: 2,
			TotalArea:  3.5,
		})

	case protocol.LoadModel:
		var p protocol.LoadModelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.send(protocol.ModelPlaced, protocol.ModelPlacedPayload{
			ReplyTo:   env.MessageID,
			ObjectID:  p.ObjectID,
			ModelID:   p.ModelID,
			Transform: p.Transform,
		})

	case protocol.UpdateTransform:
		var p protocol.UpdateTransformPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.send(protocol.TransformUpdated, protocol.TransformUpdatedPayload{
			ReplyTo:   env.MessageID,
			ObjectID:  p.ObjectID,
			Transform: p.Transform,
		})

	case protocol.CaptureScene:
		s.send(protocol.SceneCaptured, protocol.SceneCapturedPayload{
			ReplyTo:    env.MessageID,
			AnchorID:   "sim-anchor-1",
			AnchorType: protocol.AnchorVPS,
		})

	case protocol.RestoreScene:
		var p protocol.RestoreScenePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		restored := make([]protocol.ObjectID, 0, len(p.Objects))
		for _, obj := range p.Objects {
			restored = append(restored, obj.ObjectID)
		}
		s.send(protocol.SceneRestored, protocol.SceneRestoredPayload{
			ReplyTo:         env.MessageID,
			RestoredObjects: restored,
			UsedVPSAnchor:   p.AnchorType == protocol.AnchorVPS,
		})

	case protocol.StartScan:
		var p protocol.StartScanPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.scanID = p.SessionID
		s.nextAngle = 0

	case protocol.CaptureScanPhoto:
		s.send(protocol.ScanPhotoCaptured, protocol.ScanPhotoCapturedPayload{
			ReplyTo:   env.MessageID,
			SessionID: s.scanID,
			PhotoID:   protocol.NewPhotoID(),
			Angle:     s.nextAngle,
			Quality:   protocol.PhotoGood,
			Timestamp: time.Now().UnixMilli(),
		})
		s.nextAngle += s.photoStep

	case protocol.EndScan:
		s.send(protocol.ScanComplete, protocol.ScanCompletePayload{
			ReplyTo:     env.MessageID,
			SessionID:   s.scanID,
			ModelBase64: base64.StdEncoding.EncodeToString([]byte("glTF-sim")),
			BoundingBox: protocol.BoundingBox{
				Min: [3]float64{-0.5, 0, -0.5},
				Max: [3]float64{0.5, 1, 0.5},
			},
			VertexCount: 1204,
		})

	case protocol.CancelScan, protocol.ResetAR, protocol.PauseAR:
		// Nothing to answer.

	case protocol.ResumeAR:
		s.send(protocol.TrackingState, protocol.TrackingStatePayload{State: protocol.TrackingNormal})
		s.send(protocol.SurfaceDetected, protocol.SurfaceDetectedPayload{
			Detected:   true,
			PlaneCount: 2,
			TotalArea:  3.5,
		})
	}
}
