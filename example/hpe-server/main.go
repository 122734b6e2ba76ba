package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe/engine/ort"
	"github.com/poseworks/go-posepipe/hpe"
	"github.com/poseworks/go-posepipe/postprocess"
	"github.com/poseworks/go-posepipe/postprocess/result"
)

// poseResponse is the JSON payload returned per processed frame
type poseResponse struct {
	SessionID string     `json:"session_id,omitempty"`
	FrameID   int64      `json:"frame_id"`
	Poses     []poseJSON `json:"poses"`
	Error     string     `json:"error,omitempty"`
}

type poseJSON struct {
	ID        int64       `json:"id"`
	Score     float32     `json:"score"`
	Keypoints []pointJSON `json:"keypoints"`
}

type pointJSON struct {
	Name string  `json:"name"`
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
}

func toPoseJSON(poses []result.HumanPose) []poseJSON {

	out := make([]poseJSON, 0, len(poses))

	for _, pose := range poses {
		pj := poseJSON{ID: pose.ID, Score: pose.Score}

		for i, kp := range pose.Keypoints {
			if kp.IsAbsent() {
				continue
			}

			pj.Keypoints = append(pj.Keypoints, pointJSON{
				Name: result.KeyPointNames[i],
				X:    kp.X,
				Y:    kp.Y,
			})
		}

		out = append(out, pj)
	}

	return out
}

// frameOutcome pairs a retrieved frame with its fault, if any
type frameOutcome struct {
	res *hpe.FrameResult
	err error
}

// server owns the pose model and routes retrieved frames back to the
// handler that submitted them
type server struct {
	model *hpe.Model

	mu      sync.Mutex
	waiters map[int64]chan frameOutcome
	// ready holds outcomes the collector retrieved before their waiter
	// registered
	ready map[int64]frameOutcome
}

func newServer(model *hpe.Model) *server {

	s := &server{
		model:   model,
		waiters: make(map[int64]chan frameOutcome),
		ready:   make(map[int64]frameOutcome),
	}

	go s.collect()
	return s
}

// collect retrieves completed frames in order and delivers each to its
// registered waiter
func (s *server) collect() {
	for {
		s.model.WaitForData()

		res, err := s.model.GetResult()

		if res == nil {
			continue
		}

		s.mu.Lock()
		ch := s.waiters[res.FrameID]

		if ch == nil {
			s.ready[res.FrameID] = frameOutcome{res: res, err: err}
		} else {
			delete(s.waiters, res.FrameID)
		}
		s.mu.Unlock()

		if ch != nil {
			ch <- frameOutcome{res: res, err: err}
		}
	}
}

// estimate submits the image and blocks until its poses are retrieved
func (s *server) estimate(img gocv.Mat) frameOutcome {

	id, err := s.model.SubmitFrame(img)

	if id < 0 {
		return frameOutcome{err: err}
	}

	ch := make(chan frameOutcome, 1)

	s.mu.Lock()
	if outcome, ok := s.ready[id]; ok {
		delete(s.ready, id)
		s.mu.Unlock()
		return outcome
	}

	s.waiters[id] = ch
	s.mu.Unlock()

	return <-ch
}

func (s *server) handleEstimate(c *gin.Context) {

	data, err := c.GetRawData()

	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image body required"})
		return
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)

	if err != nil || img.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot decode image"})
		return
	}
	defer img.Close()

	outcome := s.estimate(img)

	if outcome.err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.err.Error()})
		return
	}

	c.JSON(http.StatusOK, poseResponse{
		FrameID: outcome.res.FrameID,
		Poses:   toPoseJSON(outcome.res.Poses),
	})
}

func (s *server) handlePerf(c *gin.Context) {

	perf := s.model.PerformanceInfo()

	c.JSON(http.StatusOK, gin.H{
		"frames_count":   perf.FramesCount,
		"fps":            perf.FPS,
		"latency_mean":   perf.LatencyMean.String(),
		"latency_p50":    perf.LatencyP50.String(),
		"latency_p95":    perf.LatencyP95.String(),
		"requests_inuse": perf.NumRequestsInUse,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket session.  Each binary message is
// one image frame, pose results are streamed back as JSON in submission
// order
func (s *server) handleStream(c *gin.Context) {

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)

	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()

	var writeMu sync.Mutex
	var wg sync.WaitGroup

	writeJSON := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()

		if err := conn.WriteJSON(v); err != nil {
			log.Printf("session %s write failed: %v", sessionID, err)
		}
	}

	writeJSON(gin.H{"session_id": sessionID})

	for {
		msgType, data, err := conn.ReadMessage()

		if err != nil {
			break
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		img, err := gocv.IMDecode(data, gocv.IMReadColor)

		if err != nil || img.Empty() {
			writeJSON(poseResponse{SessionID: sessionID, FrameID: -1,
				Error: "cannot decode image"})
			continue
		}

		wg.Add(1)

		go func(img gocv.Mat) {
			defer wg.Done()
			defer img.Close()

			outcome := s.estimate(img)

			resp := poseResponse{SessionID: sessionID}

			if outcome.err != nil {
				resp.FrameID = -1
				resp.Error = outcome.err.Error()

				if outcome.res != nil {
					resp.FrameID = outcome.res.FrameID
				}
			} else {
				resp.FrameID = outcome.res.FrameID
				resp.Poses = toPoseJSON(outcome.res.Poses)
			}

			writeJSON(resp)
		}(img)
	}

	wg.Wait()
	log.Printf("session %s closed", sessionID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {

	// optional .env file for local runs
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	port := getEnv("PORT", "8080")
	modelPath := getEnv("MODEL_PATH", "../data/human-pose-estimation.onnx")
	ortLib := getEnv("ORT_LIB", "")
	poolSize := getEnvAsInt("POOL_SIZE", 2)
	threads := getEnvAsInt("THREADS", 0)

	if err := ort.Init(ortLib); err != nil {
		log.Fatalf("Error initializing onnxruntime: %v", err)
	}
	defer ort.Destroy()

	net, err := ort.NewNetwork(modelPath, threads)

	if err != nil {
		log.Fatalf("Error loading model: %v", err)
	}
	defer net.Close()

	model, err := hpe.NewModel(net, poolSize, postprocess.OpenPoseCOCOParams())

	if err != nil {
		log.Fatalf("Error creating pose model: %v", err)
	}
	defer model.Close()

	s := newServer(model)

	router := gin.Default()
	router.POST("/api/estimate", s.handleEstimate)
	router.GET("/api/perf", s.handlePerf)
	router.GET("/ws", s.handleStream)

	log.Printf("listening on :%s", port)

	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
